package docker

import (
	"fmt"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"

	"v2raybridge/internal/session"
)

const (
	muxConcurrency = 8
	listenAll      = "0.0.0.0"
	listenLoopback = "127.0.0.1"
)

// inbound is a port the core listens on, published on the host.
type inbound struct {
	Protocol string
	Port     int
}

// patchedConfig is the V2Ray JSON after the session toggles were applied.
type patchedConfig struct {
	JSON     []byte
	Inbounds []inbound
}

// socksAddr returns the host address of the first SOCKS inbound.
func (p *patchedConfig) socksAddr() (string, bool) {
	for _, in := range p.Inbounds {
		if in.Protocol == "socks" {
			return fmt.Sprintf("%s:%d", listenLoopback, in.Port), true
		}
	}
	return "", false
}

// applyOptions rewrites the user config for the container. Inbounds listen
// on all interfaces inside the container; the host address they are
// published on comes from the engine config, not from the session.
func applyOptions(raw string, opts session.Options) (*patchedConfig, error) {
	js, err := simplejson.NewJson([]byte(raw))
	if err != nil {
		return nil, errors.Wrap(err, "config is not valid JSON")
	}
	if _, err := js.Map(); err != nil {
		return nil, errors.New("config must be a JSON object")
	}

	out := &patchedConfig{}

	inbounds, err := js.Get("inbounds").Array()
	if err != nil || len(inbounds) == 0 {
		return nil, errors.New("config has no inbounds")
	}
	for i := range inbounds {
		ib := js.Get("inbounds").GetIndex(i)
		port, err := ib.Get("port").Int()
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.Errorf("inbound %d has no valid port", i)
		}
		ib.Set("listen", listenAll)
		out.Inbounds = append(out.Inbounds, inbound{
			Protocol: ib.Get("protocol").MustString(),
			Port:     port,
		})
	}

	outbounds, _ := js.Get("outbounds").Array()
	for i := range outbounds {
		ob := js.Get("outbounds").GetIndex(i)
		switch ob.Get("protocol").MustString() {
		case "freedom", "blackhole", "dns":
			continue
		}
		if opts.EnableMux {
			ob.Set("mux", map[string]any{
				"enabled":     true,
				"concurrency": muxConcurrency,
			})
		}
		if opts.EnableHTTPUpgrade {
			toHTTPUpgrade(ob)
		}
	}

	dns := js.Get("dns")
	if _, err := dns.Map(); err != nil {
		js.Set("dns", map[string]any{})
		dns = js.Get("dns")
	}
	if opts.EnableIPv6 {
		dns.Set("queryStrategy", "UseIP")
	} else {
		dns.Set("queryStrategy", "UseIPv4")
	}

	out.JSON, err = js.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encode patched config")
	}
	return out, nil
}

// toHTTPUpgrade переводит websocket транспорт на httpupgrade, сохраняя path и host
func toHTTPUpgrade(ob *simplejson.Json) {
	stream := ob.Get("streamSettings")
	if stream.Get("network").MustString() != "ws" {
		return
	}
	ws := stream.Get("wsSettings")
	settings := map[string]any{
		"path": ws.Get("path").MustString("/"),
	}
	if host := ws.Get("headers").Get("Host").MustString(); host != "" {
		settings["host"] = host
	}
	stream.Set("network", "httpupgrade")
	stream.Set("httpupgradeSettings", settings)
	stream.Del("wsSettings")
}
