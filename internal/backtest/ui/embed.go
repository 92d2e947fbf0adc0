package ui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var assets embed.FS

// StaticFS 返回面板静态资源（static/ 目录）。
func StaticFS() (http.FileSystem, error) {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, err
	}
	return http.FS(sub), nil
}

// Index 返回嵌入的面板首页。
func Index() ([]byte, error) {
	return assets.ReadFile("static/index.html")
}
