package llmproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/models"
)

// IdentityPrefix is the shared convention for the creature API key handed
// to containers: "creature:<name>".
const IdentityPrefix = "creature:"

// UnknownIdentity is used when the identity header is missing or malformed.
const UnknownIdentity = "unknown"

// maxBodyBytes bounds the in-memory read of a proxied request body.
const maxBodyBytes = 10 << 20

// anthropicVersion is required by the source upstream.
const anthropicVersion = "2023-06-01"

// Route selects which upstream serves a model.
type Route int

const (
	RouteSource Route = iota
	RouteTarget
)

// RouteForModel infers the upstream from the model name prefix.
// Unrecognized models default to the source upstream.
func RouteForModel(model string) Route {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return RouteTarget
	default:
		return RouteSource
	}
}

// IdentityFromHeader extracts the creature name from an identity header
// value following the "creature:<name>" convention.
func IdentityFromHeader(value string) string {
	if name, ok := strings.CutPrefix(value, IdentityPrefix); ok && name != "" {
		return name
	}
	return UnknownIdentity
}

// BudgetDecision is the result of resolving a creature's effective budget
// against its spend.
type BudgetDecision struct {
	Exceeded bool
	Action   models.BudgetAction
	CapUSD   float64
	SpentUSD float64
}

// Recorder receives usage extracted from upstream responses. Implemented
// by cost.Tracker.
type Recorder interface {
	Record(identity string, inputTokens, outputTokens int64, model string)
}

// Config wires the proxy to its collaborators. The callbacks break the
// construction cycle with the supervisor layer: the proxy never imports it.
type Config struct {
	AnthropicBaseURL string
	AnthropicKey     string
	OpenAIBaseURL    string
	OpenAIKey        string

	Cost Recorder

	// CheckBudget resolves the effective budget for a creature. Nil
	// disables enforcement.
	CheckBudget func(name string) BudgetDecision
	// OnBudgetExceeded fires when a creature is found over a sleep-action
	// cap, both pre-admission and after a call pushed it over.
	OnBudgetExceeded func(name string)
	// OnModelSeen reports the model a creature requested.
	OnModelSeen func(name, model string)
}

// Proxy is the single LLM endpoint creatures call.
type Proxy struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a proxy. The HTTP client carries no timeout: LLM calls are
// long-running and the creature owns retry policy.
func New(cfg Config) *Proxy {
	return &Proxy{
		cfg:    cfg,
		client: &http.Client{},
		logger: slog.With("component", "llmproxy"),
	}
}

// Handle serves one proxied chat request. Mounted on POST /v1/messages.
func (p *Proxy) Handle(c *gin.Context) {
	name := IdentityFromHeader(c.GetHeader("x-api-key"))

	// Budget gate before any upstream work.
	if name != UnknownIdentity && p.cfg.CheckBudget != nil {
		decision := p.cfg.CheckBudget(name)
		if decision.Exceeded {
			switch decision.Action {
			case models.BudgetActionSleep:
				p.logger.Info("Budget exceeded, rejecting LLM call",
					"creature", name, "spent_usd", decision.SpentUSD, "cap_usd", decision.CapUSD)
				if p.cfg.OnBudgetExceeded != nil {
					p.cfg.OnBudgetExceeded(name)
				}
				writeAPIError(c, http.StatusTooManyRequests, "rate_limit_error",
					fmt.Sprintf("daily budget exhausted: $%.4f of $%.2f", decision.SpentUSD, decision.CapUSD))
				return
			case models.BudgetActionWarn:
				p.logger.Warn("Budget exceeded (warn only)",
					"creature", name, "spent_usd", decision.SpentUSD, "cap_usd", decision.CapUSD)
			case models.BudgetActionOff:
				// Enforcement disabled.
			}
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeAPIError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req llm.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeAPIError(c, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	if p.cfg.OnModelSeen != nil && name != UnknownIdentity {
		p.cfg.OnModelSeen(name, req.Model)
	}

	switch RouteForModel(req.Model) {
	case RouteTarget:
		p.handleTarget(c, name, &req)
	default:
		p.handleSource(c, name, &req, body)
	}
}

// handleSource forwards the original body verbatim to the source upstream
// and returns its status and body untouched.
func (p *Proxy) handleSource(c *gin.Context, name string, req *llm.MessagesRequest, body []byte) {
	if p.cfg.AnthropicKey == "" {
		writeAPIError(c, http.StatusInternalServerError, "api_error", "source upstream credentials not configured")
		return
	}

	url := strings.TrimRight(p.cfg.AnthropicBaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeAPIError(c, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.AnthropicKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Warn("Source upstream unreachable", "creature", name, "error", err)
		writeAPIError(c, http.StatusBadGateway, "api_error", "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeAPIError(c, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var parsed llm.MessagesResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			p.recordAndRecheck(name, parsed.Usage.InputTokens, parsed.Usage.OutputTokens, req.Model)
		} else {
			p.logger.Warn("Unparsable source upstream body, usage not recorded",
				"creature", name, "error", err)
		}
	}

	c.Data(resp.StatusCode, "application/json", respBody)
}

// handleTarget translates the request, calls the target upstream and
// translates the response back into the source format.
func (p *Proxy) handleTarget(c *gin.Context, name string, req *llm.MessagesRequest) {
	if p.cfg.OpenAIKey == "" {
		writeAPIError(c, http.StatusInternalServerError, "api_error", "target upstream credentials not configured")
		return
	}

	translated := TranslateRequest(req)
	payload, err := json.Marshal(translated)
	if err != nil {
		writeAPIError(c, http.StatusInternalServerError, "api_error", "failed to encode translated request")
		return
	}

	url := strings.TrimRight(p.cfg.OpenAIBaseURL, "/") + "/v1/responses"
	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		writeAPIError(c, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.OpenAIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Warn("Target upstream unreachable", "creature", name, "error", err)
		writeAPIError(c, http.StatusBadGateway, "api_error", "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeAPIError(c, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	var rr ResponsesResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		p.logger.Warn("Unparsable target upstream body", "creature", name, "error", err)
		writeAPIError(c, http.StatusBadGateway, "api_error", "unparsable upstream response")
		return
	}

	p.recordAndRecheck(name, rr.Usage.InputTokens, rr.Usage.OutputTokens, req.Model)
	c.JSON(http.StatusOK, TranslateResponse(req.Model, &rr))
}

// recordAndRecheck books the usage and re-evaluates the budget: a single
// call may push a creature over its cap.
func (p *Proxy) recordAndRecheck(name string, inputTokens, outputTokens int64, model string) {
	if p.cfg.Cost != nil {
		p.cfg.Cost.Record(name, inputTokens, outputTokens, model)
	}
	if name == UnknownIdentity || p.cfg.CheckBudget == nil {
		return
	}
	decision := p.cfg.CheckBudget(name)
	if decision.Exceeded && decision.Action == models.BudgetActionSleep && p.cfg.OnBudgetExceeded != nil {
		p.logger.Info("Call pushed creature over budget",
			"creature", name, "spent_usd", decision.SpentUSD, "cap_usd", decision.CapUSD)
		p.cfg.OnBudgetExceeded(name)
	}
}

// writeAPIError emits a source-format error envelope.
func writeAPIError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
