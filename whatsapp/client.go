package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/waconsole/dispatch"
	"github.com/waconsole/dispatch/metrics"
	"github.com/waconsole/dispatch/utils"
)

const (
	templatesCacheKey = "whatsapp_templates"
	tierCacheKey      = "whatsapp_tier"

	sendRetryAttempts = 3
	sendRetryBackoff  = 250 * time.Millisecond
)

// tierLimits maps a messaging limit tier to its unique recipients per 24h ceiling
var tierLimits = map[string]int{
	"TIER_250":       250,
	"TIER_1K":        1000,
	"TIER_10K":       10000,
	"TIER_100K":      100000,
	"TIER_UNLIMITED": -1,
}

const defaultTier = "TIER_250"

// Client talks to the WhatsApp Business Platform Graph API. It implements the
// engine's batch send primitive plus the template catalog and tier lookups.
type Client struct {
	graphURL   string
	phoneID    string
	wabaID     string
	token      string
	maxWorkers int

	cache        *cache.Cache
	templatesTTL time.Duration
	tierTTL      time.Duration
}

// NewClient creates a new Graph API client for the passed in configuration
func NewClient(config *dispatch.Config) *Client {
	return &Client{
		graphURL:     config.GraphAPIURL,
		phoneID:      config.PhoneNumberID,
		wabaID:       config.BusinessAccountID,
		token:        config.AccessToken,
		maxWorkers:   config.MaxSendWorkers,
		cache:        cache.New(5*time.Minute, 10*time.Minute),
		templatesTTL: time.Duration(config.TemplateCacheTTL) * time.Second,
		tierTTL:      time.Duration(config.TierCacheTTL) * time.Second,
	}
}

type textBody struct {
	Body string `json:"body"`
}

type languageRef struct {
	Code string `json:"code"`
}

type templateRef struct {
	Name       string                    `json:"name"`
	Language   languageRef               `json:"language"`
	Components []dispatch.ParamComponent `json:"components,omitempty"`
}

type sendPayload struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Template         *templateRef `json:"template,omitempty"`
}

// SendBatch issues one Graph API message request per recipient of the batch,
// fanned out over a bounded worker pool, and returns the per-recipient results
// in the same order as the request's recipients.
func (c *Client) SendBatch(ctx context.Context, request *dispatch.BatchRequest) ([]dispatch.RecipientResult, error) {
	if c.token == "" {
		return nil, errors.New("missing access token for WhatsApp channel")
	}
	if len(request.To) == 0 {
		return nil, errors.New("batch request has no recipients")
	}

	workers := c.maxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(request.To) {
		workers = len(request.To)
	}
	metrics.SetUsedSendWorkers(workers)
	metrics.SetAvailableSendWorkers(c.maxWorkers - workers)

	results := make([]dispatch.RecipientResult, len(request.To))
	jobs := make(chan int)

	wg := &sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = c.sendOne(ctx, request, request.To[i])
			}
		}()
	}

	for i := range request.To {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	metrics.SetUsedSendWorkers(0)
	metrics.SetAvailableSendWorkers(c.maxWorkers)

	return results, nil
}

// sendOne sends the batch's message to a single recipient, any failure is
// folded into the result rather than returned
func (c *Client) sendOne(ctx context.Context, request *dispatch.BatchRequest, to string) dispatch.RecipientResult {
	result := dispatch.RecipientResult{Address: to, Outcome: dispatch.OutcomeFailed}

	payload := sendPayload{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             string(request.Type),
	}
	switch request.Type {
	case dispatch.MsgTypeText:
		payload.Text = &textBody{Body: request.Text}
	case dispatch.MsgTypeTemplate:
		payload.Template = &templateRef{
			Name:       request.TemplateName,
			Language:   languageRef{Code: request.Language},
			Components: request.Components,
		}
	default:
		result.Reason = fmt.Sprintf("unknown message type: %s", request.Type)
		return result
	}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Reason = err.Error()
		return result
	}

	url := fmt.Sprintf("%s/%s/messages", c.graphURL, c.phoneID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Reason = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	idempotencyKey := fmt.Sprintf("%s:%s", request.ID.String(), to)
	rr, err := utils.MakeHTTPRequestWithRetry(ctx, req, sendRetryAttempts, sendRetryBackoff, idempotencyKey)
	if err != nil || rr == nil || rr.Status != utils.RRStatusSuccess {
		result.Reason = failureReason(rr, err)
		logrus.WithField("comp", "whatsapp").WithField("recipient", to).WithField("reason", result.Reason).Warning("error sending message")
		return result
	}

	// the platform can reply 200 with an error object in the body
	if msg, jerr := jsonparser.GetString(rr.Body, "error", "message"); jerr == nil && msg != "" {
		result.Reason = msg
		return result
	}

	externalID, _ := jsonparser.GetString(rr.Body, "messages", "[0]", "id")
	result.Outcome = dispatch.OutcomeSent
	result.ExternalID = externalID
	result.Reason = ""
	return result
}

// failureReason extracts the most specific failure description available from a
// failed call, preferring the platform's own error message
func failureReason(rr *utils.RequestResponse, err error) string {
	if rr != nil && len(rr.Body) > 0 {
		if msg, jerr := jsonparser.GetString(rr.Body, "error", "message"); jerr == nil && msg != "" {
			return msg
		}
	}
	if rr != nil && rr.StatusCode != 0 {
		return fmt.Sprintf("received non 200 status: %d", rr.StatusCode)
	}
	if err != nil {
		return err.Error()
	}
	return "unknown send failure"
}

type templateCatalogPayload struct {
	Data []dispatch.Template `json:"data"`
}

// Templates fetches the template catalog from the Graph API, returning only
// APPROVED entries. Results are cached to keep the compose screen snappy.
func (c *Client) Templates(ctx context.Context) ([]dispatch.Template, error) {
	if cached, found := c.cache.Get(templatesCacheKey); found {
		return cached.([]dispatch.Template), nil
	}

	url := fmt.Sprintf("%s/%s/message_templates?fields=name,language,category,status,components", c.graphURL, c.wabaID)
	rr, err := c.get(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "error fetching template catalog")
	}

	payload := &templateCatalogPayload{}
	if err := json.Unmarshal(rr.Body, payload); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling template catalog")
	}

	approved := make([]dispatch.Template, 0, len(payload.Data))
	for _, template := range payload.Data {
		if template.Status == dispatch.TemplateStatusApproved {
			approved = append(approved, template)
		}
	}

	c.cache.Set(templatesCacheKey, approved, c.templatesTTL)
	return approved, nil
}

// Tier fetches the advisory messaging limit tier for the sending phone number.
// A lookup failure falls back to the lowest tier rather than erroring, the
// value is display only.
func (c *Client) Tier(ctx context.Context) (dispatch.TierInfo, error) {
	if cached, found := c.cache.Get(tierCacheKey); found {
		return cached.(dispatch.TierInfo), nil
	}

	tierName := defaultTier
	url := fmt.Sprintf("%s/%s?fields=messaging_limit_tier", c.graphURL, c.phoneID)
	rr, err := c.get(ctx, url)
	if err != nil {
		logrus.WithField("comp", "whatsapp").WithError(err).Warning("error fetching messaging tier, using default")
	} else if name, jerr := jsonparser.GetString(rr.Body, "messaging_limit_tier"); jerr == nil && name != "" {
		tierName = name
	}

	limit, known := tierLimits[tierName]
	if !known {
		limit = tierLimits[defaultTier]
	}

	info := dispatch.TierInfo{Tier: tierName, Limit: limit}
	c.cache.Set(tierCacheKey, info, c.tierTTL)
	return info, nil
}

func (c *Client) get(ctx context.Context, url string) (*utils.RequestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	rr, err := utils.MakeHTTPRequest(req)
	if err != nil {
		return rr, err
	}
	return rr, nil
}
