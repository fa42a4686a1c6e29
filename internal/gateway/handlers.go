package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"partywatch/internal/party"
)

const partyIDLength = 16

// request is the inbound protocol envelope. Unknown types and malformed
// frames are dropped without a response; the connection stays open.
type request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// response is the outbound protocol envelope. Rejections use type "error"
// with the originating request type echoed inside the body.
type response struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type errorBody struct {
	Error   string `json:"error"`
	Request string `json:"request,omitempty"`
}

type idBody struct {
	ID string `json:"id"`
}

func respond(req request, data interface{}) response {
	return response{Type: req.Type, Data: data}
}

func respondError(req request, message string) response {
	return response{Type: "error", Data: errorBody{Error: message, Request: req.Type}}
}

func encodeResponse(res response) ([]byte, error) {
	return json.Marshal(res)
}

// messageHandler processes one request type. Dispatch is first-match over the
// gateway's ordered handler list.
type messageHandler interface {
	handlesType(messageType string) bool
	handle(ctx context.Context, c *client, req request) []response
}

// handleMessage parses one inbound frame and dispatches it. Responses are
// sent in order; a nil slice sends nothing.
func (g *Gateway) handleMessage(ctx context.Context, c *client, payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil || req.Type == "" {
		return
	}
	for _, handler := range g.handlers {
		if !handler.handlesType(req.Type) {
			continue
		}
		g.metrics.ObserveMessage(req.Type)
		for _, res := range handler.handle(ctx, c, req) {
			if res.Type == "error" {
				g.metrics.ObserveMessageError(req.Type)
			}
			frame, err := encodeResponse(res)
			if err != nil {
				g.logger.Error("response encode failed", "type", res.Type, "error", err)
				continue
			}
			c.reply(frame)
		}
		return
	}
}

type createHandler struct {
	gateway *Gateway
}

func (h *createHandler) handlesType(messageType string) bool {
	return messageType == "create"
}

func (h *createHandler) handle(ctx context.Context, _ *client, req request) []response {
	var update party.StatusUpdate
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &update); err != nil {
			return []response{respondError(req, "Failed to create party")}
		}
	}
	p, err := party.New(h.gateway.repo.Rules())
	if err != nil {
		return []response{respondError(req, "Internal error")}
	}
	if !p.UpdateStatus(update, true) {
		return []response{respondError(req, "Failed to create party")}
	}
	if err := h.gateway.repo.Save(ctx, p); err != nil {
		return []response{respondError(req, "Internal error")}
	}
	h.gateway.logger.Info("party created", "party", p.ID)
	return []response{respond(req, p.Serialize())}
}

type updateHandler struct {
	gateway *Gateway
}

func (h *updateHandler) handlesType(messageType string) bool {
	return messageType == "update"
}

func (h *updateHandler) handle(ctx context.Context, _ *client, req request) []response {
	var payload struct {
		ID string `json:"id"`
		party.StatusUpdate
	}
	if err := json.Unmarshal(req.Data, &payload); err != nil || len(payload.ID) != partyIDLength {
		return []response{respondError(req, "Invalid party ID")}
	}
	p, err := h.gateway.repo.Get(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return []response{respondError(req, "Party not found")}
		}
		return []response{respondError(req, "Internal error")}
	}
	if !p.UpdateStatus(payload.StatusUpdate, false) {
		return []response{respondError(req, "Failed to update party")}
	}
	if err := h.gateway.repo.Save(ctx, p); err != nil {
		return []response{respondError(req, "Internal error")}
	}
	return []response{respond(req, idBody{ID: p.ID})}
}

type subscribeHandler struct {
	gateway *Gateway
}

func (h *subscribeHandler) handlesType(messageType string) bool {
	return messageType == "subscribe"
}

func (h *subscribeHandler) handle(ctx context.Context, c *client, req request) []response {
	var payload idBody
	if err := json.Unmarshal(req.Data, &payload); err != nil || len(payload.ID) != partyIDLength {
		return []response{respondError(req, "Invalid party ID")}
	}
	if !h.gateway.Subscribe(ctx, c, payload.ID) {
		return []response{respondError(req, "Failed to join party")}
	}
	responses := []response{respond(req, idBody{ID: payload.ID})}
	if status, ok := h.gateway.partyStatus(payload.ID); ok {
		responses = append(responses, response{Type: "status", Data: status})
	}
	return responses
}

type unsubscribeHandler struct {
	gateway *Gateway
}

func (h *unsubscribeHandler) handlesType(messageType string) bool {
	return messageType == "unsubscribe"
}

func (h *unsubscribeHandler) handle(ctx context.Context, c *client, req request) []response {
	var payload idBody
	if err := json.Unmarshal(req.Data, &payload); err != nil || len(payload.ID) != partyIDLength {
		return []response{respondError(req, "Invalid party ID")}
	}
	if !h.gateway.Unsubscribe(ctx, c, payload.ID) {
		return []response{respondError(req, "Failed to leave party")}
	}
	return []response{respond(req, idBody{ID: payload.ID})}
}

type infoHandler struct {
	gateway *Gateway
}

func (h *infoHandler) handlesType(messageType string) bool {
	return messageType == "info"
}

func (h *infoHandler) handle(ctx context.Context, _ *client, req request) []response {
	var payload struct {
		ID     string  `json:"id"`
		Secret *string `json:"secret"`
	}
	if err := json.Unmarshal(req.Data, &payload); err != nil || len(payload.ID) != partyIDLength {
		return []response{respondError(req, "Invalid party ID")}
	}
	p, err := h.gateway.repo.Get(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return []response{respondError(req, "Party not found")}
		}
		return []response{respondError(req, "Internal error")}
	}
	// Lets an owner check whether a stored secret is still valid; the
	// secret itself is never echoed back.
	if payload.Secret != nil && subtle.ConstantTimeCompare([]byte(*payload.Secret), []byte(p.Secret)) != 1 {
		return []response{respondError(req, "Invalid party secret")}
	}
	return []response{respond(req, p.SerializeStatus())}
}

type pingHandler struct{}

func (h *pingHandler) handlesType(messageType string) bool {
	return messageType == "ping"
}

func (h *pingHandler) handle(context.Context, *client, request) []response {
	return []response{{Type: "ping", Data: struct{}{}}}
}
