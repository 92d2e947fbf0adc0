package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"

	"github.com/chromedp/chromedp"
)

const (
	defaultSnapshotTimeout = 30 * time.Second
	// 给 echarts 的入场动画留出时间
	renderSettle = 1200 * time.Millisecond
)

// WriteHTML 将结果图表写入 path，必要时创建目录。
func WriteHTML(path string, res *backtest.Results) error {
	if path == "" {
		return errors.New("output path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := backtest.RenderResultsChart(f, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type SnapshotOptions struct {
	Width   int
	Height  int
	Timeout time.Duration
}

// Snapshot 用无头 Chrome 打开本地 HTML 并整页截图为 PNG。
func Snapshot(ctx context.Context, htmlPath, pngPath string, opt SnapshotOptions) error {
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("html 不存在: %w", err)
	}
	if opt.Width <= 0 {
		opt.Width = 1200
	}
	if opt.Height <= 0 {
		opt.Height = 1300
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultSnapshotTimeout
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.WindowSize(opt.Width, opt.Height))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Debugf))
	defer cancelTask()
	taskCtx, cancel := context.WithTimeout(taskCtx, opt.Timeout)
	defer cancel()

	var png []byte
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate("file://"+abs),
		chromedp.WaitVisible("body", chromedp.ByQuery),
		chromedp.Sleep(renderSettle),
		chromedp.FullScreenshot(&png, 100),
	); err != nil {
		return fmt.Errorf("截图失败: %w", err)
	}
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return err
	}
	logger.Infof("[report] 截图已保存 %s (%d bytes)", pngPath, len(png))
	return nil
}
