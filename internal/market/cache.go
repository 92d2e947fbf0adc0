package market

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// CachedSource 为 FetchRange 结果加一层内存缓存，同一区间的多次回测（如参数优化）只拉取一次。
type CachedSource struct {
	src Source
	max int

	mu    sync.Mutex
	order *list.List
	data  map[string]*list.Element
}

type cacheEntry struct {
	key     string
	candles []Candle
}

func NewCachedSource(src Source, maxEntries int) *CachedSource {
	if maxEntries <= 0 {
		maxEntries = 32
	}
	return &CachedSource{
		src:   src,
		max:   maxEntries,
		order: list.New(),
		data:  make(map[string]*list.Element),
	}
}

func rangeKey(symbol, interval string, start, end int64, limit int) string {
	return fmt.Sprintf("%s@%s:%d-%d#%d", symbol, interval, start, end, limit)
}

func (c *CachedSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return c.src.FetchHistory(ctx, symbol, interval, limit)
}

func (c *CachedSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error) {
	k := rangeKey(symbol, interval, start, end, limit)
	if cached, ok := c.get(k); ok {
		return cached, nil
	}
	candles, err := c.src.FetchRange(ctx, symbol, interval, start, end, limit)
	if err != nil {
		return nil, err
	}
	c.put(k, candles)
	return copyCandles(candles), nil
}

func (c *CachedSource) get(k string) ([]Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.data[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return copyCandles(el.Value.(*cacheEntry).candles), true
}

// put 写入并按 LRU 裁剪
func (c *CachedSource) put(k string, candles []Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.data[k]; ok {
		el.Value.(*cacheEntry).candles = copyCandles(candles)
		c.order.MoveToFront(el)
		return
	}
	c.data[k] = c.order.PushFront(&cacheEntry{key: k, candles: copyCandles(candles)})
	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.data, last.Value.(*cacheEntry).key)
	}
}

func (c *CachedSource) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func copyCandles(in []Candle) []Candle {
	out := make([]Candle, len(in))
	copy(out, in)
	return out
}
