package stage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/pipeline"
)

type headerPayload struct {
	add [][2]string
	del []string
}

func (p *headerPayload) apply(h http.Header) {
	for _, k := range p.del {
		h.Del(k)
	}
	for _, kv := range p.add {
		h.Add(kv[0], kv[1])
	}
}

// buildHeader reads `add: ["Name: value"]` and `del: ["Name"]`.
func buildHeader(node *yaml.Node, _ *Env) (any, error) {
	var raw struct {
		Add []string `yaml:"add"`
		Del []string `yaml:"del"`
	}
	if err := decode(node, &raw); err != nil {
		return nil, err
	}
	p := &headerPayload{}
	for i, a := range raw.Add {
		k, v, ok := strings.Cut(a, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("add[%d]: expected \"Name: value\"", i)
		}
		p.add = append(p.add, [2]string{textproto.CanonicalMIMEHeaderKey(k), strings.TrimSpace(v)})
	}
	for _, d := range raw.Del {
		if d = strings.TrimSpace(d); d != "" {
			p.del = append(p.del, d)
		}
	}
	return p, nil
}

type headerRequest struct{}

func (headerRequest) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*headerPayload](pipeline.TagHeaderRequest, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(pipeline.TagHeaderRequest, gc)
	if err != nil {
		return err
	}
	if h.Request.Header == nil {
		h.Request.Header = make(http.Header)
	}
	p.apply(h.Request.Header)
	return nil
}

type headerResponse struct{}

// Execute edits the current response; without one it does nothing.
func (headerResponse) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*headerPayload](pipeline.TagHeaderResponse, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(pipeline.TagHeaderResponse, gc)
	if err != nil {
		return err
	}
	if h.Response == nil {
		return nil
	}
	if h.Response.Header == nil {
		h.Response.Header = make(http.Header)
	}
	p.apply(h.Response.Header)
	return nil
}

type upgradePayload struct {
	host string
	port int
}

func buildUpgradeInsecure(_ *yaml.Node, env *Env) (any, error) {
	if env.HTTPSPort == 0 {
		return nil, fmt.Errorf("no https entrypoint to upgrade to")
	}
	if env.ExternalHost == "" {
		return nil, fmt.Errorf("service.external_host is required")
	}
	return &upgradePayload{host: env.ExternalHost, port: env.HTTPSPort}, nil
}

type upgradeInsecure struct{}

// Execute answers plain-HTTP requests carrying Upgrade-Insecure-Requests: 1
// with a 307 to the https entrypoint.
func (upgradeInsecure) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*upgradePayload](pipeline.TagUpgradeInsecure, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(pipeline.TagUpgradeInsecure, gc)
	if err != nil {
		return err
	}
	req := h.Request
	if req.TLS || req.Header.Get("Upgrade-Insecure-Requests") != "1" {
		return nil
	}
	host := p.host
	if p.port != 443 {
		host = net.JoinHostPort(p.host, strconv.Itoa(p.port))
	}
	loc := "https://" + host + req.URI
	hdr := make(http.Header)
	hdr.Set("Location", loc)
	hdr.Set("Vary", "Upgrade-Insecure-Requests")
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	body := fmt.Sprintf("<html><body><a href=%q>Moved</a></body></html>\n", loc)
	h.Materialized = &model.Response{
		Status: http.StatusTemporaryRedirect,
		Proto:  "HTTP/1.1",
		Header: hdr,
		Body:   []byte(body),
	}
	return nil
}

type materialize struct{}

// Execute turns the current response into the wire response. A request
// that reached return without any response gets the 404 page.
func (materialize) Execute(_ context.Context, gc *pipeline.Context, _ any) error {
	h := gc.HTTP
	if h == nil {
		return nil
	}
	if h.Response == nil {
		h.Materialized = model.NotFoundPage()
		return nil
	}
	h.Materialized = h.Response
	return nil
}
