package dto

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"v2raybridge/internal/session"
)

// StartRequest is the argument set of startV2Ray. Toggles are pointers so an
// omitted value can be told apart from an explicit false.
type StartRequest struct {
	Config            string `json:"config" validate:"required"`
	Remark            string `json:"remark" validate:"required"`
	ProxyOnly         *bool  `json:"proxyOnly"`
	EnableIPv6        *bool  `json:"enableIPv6"`
	EnableMux         *bool  `json:"enableMux"`
	EnableHTTPUpgrade *bool  `json:"enableHttpUpgrade"`
}

// SessionConfig applies defaults: every omitted toggle is false.
func (r StartRequest) SessionConfig() session.Config {
	return session.Config{
		Config:            r.Config,
		Remark:            r.Remark,
		ProxyOnly:         boolOrFalse(r.ProxyOnly),
		EnableIPv6:        boolOrFalse(r.EnableIPv6),
		EnableMux:         boolOrFalse(r.EnableMux),
		EnableHTTPUpgrade: boolOrFalse(r.EnableHTTPUpgrade),
	}
}

type HistoryQuery struct {
	Limit int `validate:"min=1,max=500"`
}

func boolOrFalse(b *bool) bool {
	return b != nil && *b
}

var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// в ошибках используем имена из json
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}
