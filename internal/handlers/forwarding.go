package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

const (
	forwardingSender   = "CallForwardingHandler"
	forwardingEndpoint = "/api/call_forwarding"
)

// ForwardingHandler keeps the call forwarding rules of every registered
// device. The backend only answers per-dirno queries, so retrieval walks the
// device list; every change is followed by a full retrieval.
type ForwardingHandler struct {
	rest     RESTClient
	registry *appContext.Context
	bus      *bus.Bus
	mu       sync.Mutex
}

// NewForwardingHandler creates a call forwarding dispatcher
func NewForwardingHandler(rest RESTClient, registry *appContext.Context, b *bus.Bus) *ForwardingHandler {
	return &ForwardingHandler{rest: rest, registry: registry, bus: b}
}

// RetrieveRules fetches the rules of every registered device
func (h *ForwardingHandler) RetrieveRules(ctx context.Context) ([]*models.CallForwardingRule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retrieveLocked(ctx)
}

// AddOrUpdateRules stores rules and refreshes the cache
func (h *ForwardingHandler) AddOrUpdateRules(ctx context.Context, rules []*models.CallForwardingRule) ([]*models.CallForwardingRule, error) {
	if len(rules) == 0 {
		return nil, fail(h.bus, forwardingSender, "update forwarding", fmt.Errorf("%w: rules", models.ErrMissingRequired))
	}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, fail(h.bus, forwardingSender, "update forwarding", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.rest.Post(ctx, forwardingEndpoint, rules); err != nil {
		return nil, fail(h.bus, forwardingSender, "update forwarding", err)
	}
	logger.HandlerLog.Infof("Stored %d forwarding rules", len(rules))
	return h.retrieveLocked(ctx)
}

// DeleteRule removes the rule of type fwdType for dirno and refreshes the
// cache
func (h *ForwardingHandler) DeleteRule(ctx context.Context, dirno string, fwdType models.ForwardingType) ([]*models.CallForwardingRule, error) {
	if dirno == "" {
		return nil, fail(h.bus, forwardingSender, "delete forwarding", models.ErrInvalidDirNo)
	}
	if _, ok := models.ParseForwardingType(string(fwdType)); !ok {
		return nil, fail(h.bus, forwardingSender, "delete forwarding", fmt.Errorf("%w: fwd_type %q", models.ErrInvalidInput, fwdType))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	q := url.Values{}
	q.Set("dirno", dirno)
	q.Set("fwd_type", string(fwdType))
	if _, err := h.rest.Delete(ctx, forwardingEndpoint+"?"+q.Encode()); err != nil {
		return nil, fail(h.bus, forwardingSender, "delete forwarding", err)
	}
	logger.HandlerLog.Infof("Deleted %s forwarding of %s", fwdType, dirno)
	return h.retrieveLocked(ctx)
}

// retrieveLocked skips dirnos whose query fails, except for authorization
// failures which abort the walk
func (h *ForwardingHandler) retrieveLocked(ctx context.Context) ([]*models.CallForwardingRule, error) {
	dirnos := h.registry.DeviceDirNos()
	rules := make([]*models.CallForwardingRule, 0, len(dirnos))

	for _, dirno := range dirnos {
		if err := ctx.Err(); err != nil {
			return nil, fail(h.bus, forwardingSender, "retrieve forwarding", err)
		}

		q := url.Values{}
		q.Set("dirno", dirno)
		body, err := h.rest.Get(ctx, forwardingEndpoint+"?"+q.Encode())
		if err != nil {
			if errors.Is(err, models.ErrUnauthorized) {
				return nil, fail(h.bus, forwardingSender, "retrieve forwarding", err)
			}
			logger.HandlerLog.Warnf("Forwarding rules of %s: %v", dirno, err)
			continue
		}

		found, err := decodeRules(body)
		if err != nil {
			logger.HandlerLog.Warnf("Forwarding rules of %s: %v", dirno, err)
			continue
		}
		for _, r := range found {
			if r.DirNo == "" {
				r.DirNo = dirno
			}
			rules = append(rules, r)
		}
	}

	h.registry.SetForwardingRules(rules)
	h.bus.Publish(forwardingSender, bus.CallForwardingChanged, rules)
	logger.HandlerLog.Debugf("Retrieved %d forwarding rules for %d devices", len(rules), len(dirnos))
	return rules, nil
}

// decodeRules accepts a list or a single rule
func decodeRules(body string) ([]*models.CallForwardingRule, error) {
	body = strings.TrimSpace(body)
	if body == "" || body == "null" {
		return nil, nil
	}

	if strings.HasPrefix(body, "{") {
		var r models.CallForwardingRule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidFormat, err)
		}
		return []*models.CallForwardingRule{&r}, nil
	}

	var list []*models.CallForwardingRule
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidFormat, err)
	}
	out := list[:0]
	for _, r := range list {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func validateRule(r *models.CallForwardingRule) error {
	if r == nil || r.DirNo == "" {
		return models.ErrInvalidDirNo
	}
	t, ok := models.ParseForwardingType(string(r.FwdType))
	if !ok {
		return fmt.Errorf("%w: fwd_type %q", models.ErrInvalidInput, r.FwdType)
	}
	r.FwdType = t
	if r.Enabled && r.FwdTo == "" {
		return fmt.Errorf("%w: fwd_to", models.ErrMissingRequired)
	}
	return nil
}
