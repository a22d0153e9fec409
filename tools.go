//go:build tools

package tools

// gomobile bind нужен для сборки пакета mobile; держим его в go.mod
import (
	_ "golang.org/x/mobile/bind"
	_ "golang.org/x/mobile/cmd/gobind"
	_ "golang.org/x/mobile/cmd/gomobile"
)
