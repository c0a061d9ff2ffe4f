package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
)

var _ core.ProviderAdapter = (*restAdapter)(nil)

const maxAdapterResponseBodyBytes = 1 << 20

// restAdapter drives a platform's JSON entity API: GET /entities/{id} to
// fetch, POST /entities to create, PUT /entities/{id} to update. The binary
// wires one per platform from SYNCBRIDGE_PLATFORM_{A,B}_API_URL; embedders
// register their own core.ProviderAdapter implementations instead.
type restAdapter struct {
	providerID string
	baseURL    string
	client     *http.Client
}

func newRESTAdapter(providerID, baseURL string) *restAdapter {
	return &restAdapter{
		providerID: providerID,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type entityDocument struct {
	EntityID     string          `json:"entity_id"`
	Version      int64           `json:"version"`
	LastModified time.Time       `json:"last_modified"`
	Payload      json.RawMessage `json:"payload"`
}

func (a *restAdapter) ProviderID() string { return a.providerID }

func (a *restAdapter) Authorize(_ context.Context, token core.ActiveToken) (core.ActiveToken, error) {
	return token, nil
}

func (a *restAdapter) Fetch(ctx context.Context, token core.ActiveToken, entityID string) (core.EntityState, error) {
	req, err := a.newRequest(ctx, token, http.MethodGet, "/entities/"+url.PathEscape(entityID), nil)
	if err != nil {
		return core.EntityState{}, err
	}
	doc, err := a.do(req)
	if err != nil {
		return core.EntityState{}, err
	}
	return core.EntityState{
		EntityID:     doc.EntityID,
		Version:      doc.Version,
		LastModified: doc.LastModified,
		Payload:      []byte(doc.Payload),
	}, nil
}

func (a *restAdapter) Push(ctx context.Context, token core.ActiveToken, entityID string, payload []byte) (core.PushResult, error) {
	method, path := http.MethodPost, "/entities"
	if entityID != "" {
		method, path = http.MethodPut, "/entities/"+url.PathEscape(entityID)
	}
	req, err := a.newRequest(ctx, token, method, path, bytes.NewReader(payload))
	if err != nil {
		return core.PushResult{}, err
	}
	doc, err := a.do(req)
	if err != nil {
		return core.PushResult{}, err
	}
	return core.PushResult{EntityID: doc.EntityID, Version: doc.Version}, nil
}

func (a *restAdapter) newRequest(ctx context.Context, token core.ActiveToken, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tokenType := strings.TrimSpace(token.TokenType)
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+token.AccessToken)
	return req, nil
}

func (a *restAdapter) do(req *http.Request) (entityDocument, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return entityDocument{}, core.NewTransientProviderError(a.providerID + ": request failed: " + err.Error())
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxAdapterResponseBodyBytes))
	if readErr != nil {
		return entityDocument{}, core.NewTransientProviderError(a.providerID + ": read response: " + readErr.Error())
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return entityDocument{}, core.NewTransientProviderError(
			fmt.Sprintf("%s: api error (%d)", a.providerID, resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return entityDocument{}, core.NewRecoverableAuthError(
			fmt.Sprintf("%s: api rejected token (%d)", a.providerID, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return entityDocument{}, core.NewTransientProviderError(a.providerID + ": rate limited")
	case resp.StatusCode >= http.StatusBadRequest:
		return entityDocument{}, core.NewPermanentProviderError(
			fmt.Sprintf("%s: api error (%d)", a.providerID, resp.StatusCode))
	}

	var doc entityDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return entityDocument{}, core.NewTransientProviderError(a.providerID + ": decode response: " + err.Error())
	}
	return doc, nil
}
