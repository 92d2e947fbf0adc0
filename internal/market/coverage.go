package market

// Gap 表示缺失的连续 K 线区间。
type Gap struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// Coverage 描述一段区间内 K 线的完整度。
type Coverage struct {
	AlignedFrom int64 `json:"aligned_from"`
	AlignedTo   int64 `json:"aligned_to"`
	Expected    int64 `json:"expected"`
	Present     int64 `json:"present"`
	Gaps        []Gap `json:"gaps,omitempty"`
}

func (c Coverage) Complete() bool { return len(c.Gaps) == 0 }

// CheckCoverage 对照 [start, end] 的期望开盘时间，找出 candles 中缺失的区间。candles 需按时间升序。
func CheckCoverage(candles []Candle, stepMs, start, end int64) Coverage {
	if stepMs <= 0 || end < start {
		return Coverage{}
	}
	alStart := alignUp(start, stepMs)
	alEnd := end - end%stepMs
	report := Coverage{AlignedFrom: alStart, AlignedTo: alEnd}
	if alEnd < alStart {
		return report
	}
	report.Expected = (alEnd-alStart)/stepMs + 1

	existing := make([]int64, 0, len(candles))
	for _, c := range candles {
		if c.OpenTime >= alStart && c.OpenTime <= alEnd {
			existing = append(existing, c.OpenTime)
		}
	}
	report.Present = int64(len(existing))

	idx := 0
	cursor := alStart
	for cursor <= alEnd {
		for idx < len(existing) && existing[idx] < cursor {
			idx++
		}
		if idx < len(existing) && existing[idx] == cursor {
			idx++
			cursor += stepMs
			continue
		}
		gap := Gap{From: cursor}
		for cursor <= alEnd && !(idx < len(existing) && existing[idx] == cursor) {
			gap.Count++
			cursor += stepMs
		}
		gap.To = cursor - stepMs
		report.Gaps = append(report.Gaps, gap)
	}
	return report
}
