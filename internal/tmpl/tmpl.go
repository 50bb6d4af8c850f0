package tmpl

import (
	"bytes"
	"fmt"
	"text/template"

	"djp.chapter42.de/renderq/internal/data"
)

const (
	DefaultSubmitEndpoint    = "/prompt"
	DefaultHistoryEndpoint   = "/history/{{.CorrelationID}}"
	DefaultInterruptEndpoint = "/interrupt"
	DefaultQueueEndpoint     = "/queue"
	DefaultStatsEndpoint     = "/system_stats"
)

// EndpointData is what endpoint templates can reference.
type EndpointData struct {
	CorrelationID string
	ClientID      string
}

// PrepareTemplates parses the endpoint templates once and caches them on the remote config.
func PrepareTemplates(remote *data.RemoteConfig) error {
	parse := func(name, text, fallback string) (*template.Template, error) {
		if text == "" {
			text = fallback
		}
		tpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("error in %s endpoint template [%s]: %w", name, remote.Name, err)
		}
		return tpl, nil
	}

	var err error
	if remote.ParsedSubmitTpl, err = parse("submit", remote.Endpoints.Submit, DefaultSubmitEndpoint); err != nil {
		return err
	}
	if remote.ParsedHistoryTpl, err = parse("history", remote.Endpoints.History, DefaultHistoryEndpoint); err != nil {
		return err
	}
	if remote.ParsedInterruptTpl, err = parse("interrupt", remote.Endpoints.Interrupt, DefaultInterruptEndpoint); err != nil {
		return err
	}
	if remote.ParsedQueueTpl, err = parse("queue", remote.Endpoints.Queue, DefaultQueueEndpoint); err != nil {
		return err
	}
	if remote.ParsedStatsTpl, err = parse("system_stats", remote.Endpoints.Stats, DefaultStatsEndpoint); err != nil {
		return err
	}
	return nil
}

func RenderEndpoint(tpl *template.Template, d EndpointData) (string, error) {
	if tpl == nil {
		return "", fmt.Errorf("endpoint template not prepared")
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}
