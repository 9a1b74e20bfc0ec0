// Package render turns a campaign spec plus one recipient into the final
// message. Rendering is pure string construction: no network, no file I/O,
// and no errors that can abort a batch; a malformed template degrades to
// empty insertions rather than failing the send.
package render

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/corpwell/campaigner/internal/domain"
)

// RenderedMessage is the final subject and HTML body for one recipient.
type RenderedMessage struct {
	Subject  string
	HTMLBody string
}

// Renderer renders campaign bodies with Liquid personalization and wraps
// them in the standard campaign HTML shell (pixel, CTA, signature,
// unsubscribe footer). Parsed templates are cached per body string.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // body template string -> *liquid.Template
	links  *TrackingLinks

	signatureName  string
	signatureTitle string
}

// NewRenderer creates a renderer using the given link builder.
func NewRenderer(links *TrackingLinks, signatureName, signatureTitle string) *Renderer {
	engine := liquid.NewEngine()

	// {{ name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{
		engine:         engine,
		links:          links,
		signatureName:  signatureName,
		signatureTitle: signatureTitle,
	}
}

// Render produces the final message for one recipient. It never returns an
// error: template problems render with empty insertions so a single bad
// placeholder cannot take down a whole run.
func (r *Renderer) Render(recipient domain.Recipient, spec domain.CampaignSpec) RenderedMessage {
	body := r.personalize(spec.BodyTemplate, recipient, spec)

	pixel := fmt.Sprintf(
		`<img src="%s" width="1" height="1" style="display:block;" alt="" />`,
		html.EscapeString(r.links.OpenPixelURL(recipient.Email, spec.Subject)),
	)
	clickURL := r.links.ClickURL(recipient.Email, spec.Subject, spec.CTAURL)
	unsubURL := r.links.UnsubscribeURL(recipient.Email)

	var b strings.Builder
	b.WriteString(`<html><body style="margin:0;padding:0;background:#f9f9f9;font-family:Arial;">`)
	b.WriteString(pixel)
	b.WriteString(`<table width="100%" cellpadding="0" cellspacing="0"><tr><td align="center" style="padding:30px">`)
	b.WriteString(`<table width="100%" style="max-width:700px;background:#fff;border-radius:10px"><tr><td style="padding:30px">`)
	b.WriteString(body)
	b.WriteString(`<table align="center" style="margin-top:30px"><tr><td bgcolor="#D7262F" style="border-radius:6px">`)
	fmt.Fprintf(&b,
		`<a href="%s" target="_blank" style="display:inline-block;padding:16px 28px;font-size:15px;color:#fff;text-decoration:none;font-weight:bold;border-radius:6px;">%s</a>`,
		html.EscapeString(clickURL), html.EscapeString(spec.CTAText),
	)
	b.WriteString(`</td></tr></table>`)
	if r.signatureName != "" {
		fmt.Fprintf(&b, `<p style="margin-top:25px;font-weight:bold">%s<br/>%s</p>`,
			html.EscapeString(r.signatureName), html.EscapeString(r.signatureTitle))
	}
	fmt.Fprintf(&b,
		`<p style="font-size:11px;color:#888;text-align:center;margin-top:30px">Not interested? <a href="%s" style="color:#D7262F">Unsubscribe</a></p>`,
		html.EscapeString(unsubURL),
	)
	b.WriteString(`</td></tr></table></td></tr></table></body></html>`)

	return RenderedMessage{Subject: spec.Subject, HTMLBody: b.String()}
}

// personalize substitutes the recipient's display name and runs the Liquid
// pass. An absent name always substitutes the empty string, never a nil
// marker; a template that fails to parse falls back to the plain-placeholder
// result.
func (r *Renderer) personalize(tmpl string, recipient domain.Recipient, spec domain.CampaignSpec) string {
	name := strings.TrimSpace(recipient.FullName)
	out := strings.ReplaceAll(tmpl, "{name}", name)

	if !strings.Contains(out, "{{") {
		return out
	}

	tpl, err := r.parse(out)
	if err != nil {
		return stripLiquidTags(out)
	}
	rendered, err := tpl.RenderString(map[string]interface{}{
		"name":    name,
		"email":   recipient.Email,
		"subject": spec.Subject,
	})
	if err != nil {
		return stripLiquidTags(out)
	}
	return rendered
}

func (r *Renderer) parse(tmpl string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(tmpl); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(tmpl)
	if err != nil {
		return nil, err
	}
	r.cache.Store(tmpl, tpl)
	return tpl, nil
}

// stripLiquidTags removes unparseable {{ ... }} spans so a broken template
// renders with empty insertions instead of raw markup.
func stripLiquidTags(s string) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			s = s[:start] + s[start+2:]
			continue
		}
		s = s[:start] + s[start+end+2:]
	}
}
