package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/helpers"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pipeline"
	"github.com/migadu/mailspool/storage"
)

func required(action string, params map[string]string, name string) (string, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		return "", fmt.Errorf("%s requires the %q parameter", action, name)
	}
	return v, nil
}

// newToPipeline hands the item to another pipeline.
func newToPipeline(params map[string]string) (pipeline.Action, error) {
	target, err := required("to_pipeline", params, "pipeline")
	if err != nil {
		return nil, err
	}
	if mail.IsReservedState(target) {
		return nil, fmt.Errorf("to_pipeline: %w: %q (use the ghost action)", consts.ErrReservedName, target)
	}
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.SetState(target)
		return nil
	}), nil
}

func newGhost(map[string]string) (pipeline.Action, error) {
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.SetState(mail.StateGhost)
		return nil
	}), nil
}

func newSetAttribute(params map[string]string) (pipeline.Action, error) {
	name, err := required("set_attribute", params, "name")
	if err != nil {
		return nil, err
	}
	value := params["value"]
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.SetAttribute(name, value)
		return nil
	}), nil
}

func newRemoveAttribute(params map[string]string) (pipeline.Action, error) {
	name, err := required("remove_attribute", params, "name")
	if err != nil {
		return nil, err
	}
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.RemoveAttribute(name)
		return nil
	}), nil
}

// newAddHeader prepends a header field, the usual place for trace fields.
func newAddHeader(params map[string]string) (pipeline.Action, error) {
	name, err := required("add_header", params, "name")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, ": \t\r\n") {
		return nil, fmt.Errorf("add_header: invalid header name %q", name)
	}
	value := helpers.SanitizeUTF8(params["value"])
	if strings.ContainsAny(value, "\r\n") {
		return nil, fmt.Errorf("add_header: header value must be a single line")
	}
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		return item.UpdateHeader(func(h *textproto.Header) {
			h.Add(name, value)
		})
	}), nil
}

// newSetError moves the item to the error pipeline with a message.
func newSetError(params map[string]string) (pipeline.Action, error) {
	message := params["message"]
	if message == "" {
		message = "rejected by configuration"
	}
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.Fail(message)
		return nil
	}), nil
}

func newLog(params map[string]string) (pipeline.Action, error) {
	message := params["message"]
	if message == "" {
		message = "item routed"
	}
	level := strings.ToLower(params["level"])
	var logf func(msg string, args ...any)
	switch level {
	case "", "info":
		logf = logger.Info
	case "debug":
		logf = logger.Debug
	case "warn", "warning":
		logf = logger.Warn
	case "error":
		logf = logger.Error
	default:
		return nil, fmt.Errorf("log: unknown level %q", level)
	}
	return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
		args := []any{"key", item.ID, "state", item.State, "sender", item.SenderOrNull(),
			"recipients", strings.Join(item.Recipients, ","), "size", item.Size()}
		if item.ErrorMessage != "" {
			args = append(args, "error", item.ErrorMessage)
		}
		logf("Pipeline: "+message, args...)
		return nil
	}), nil
}

// toRepository persists a copy of the item into a secondary repository.
type toRepository struct {
	name  string
	repo  storage.Repository
	ghost bool
}

func newToRepository(params map[string]string, repos map[string]storage.Repository) (pipeline.Action, error) {
	name, err := required("to_repository", params, "repository")
	if err != nil {
		return nil, err
	}
	repo, ok := repos[name]
	if !ok {
		return nil, fmt.Errorf("to_repository: %w: repository %q is not configured", consts.ErrNotFound, name)
	}
	a := &toRepository{name: name, repo: repo}
	if v, ok := params["ghost"]; ok {
		if a.ghost, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("to_repository: invalid ghost value %q", v)
		}
	}
	return a, nil
}

func (a *toRepository) Run(ctx context.Context, item *mail.Item) error {
	if err := a.repo.Put(ctx, storage.NewRecord(item)); err != nil {
		return fmt.Errorf("failed to store copy in repository %q: %w", a.name, err)
	}
	logger.Debug("Pipeline: stored copy", "repository", a.name, "key", item.ID)
	if a.ghost {
		item.SetState(mail.StateGhost)
	}
	return nil
}
