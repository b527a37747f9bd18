package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const urgencySystemPrompt = `You are an email urgency analyzer.
Your task is to determine if an email requires immediate attention or urgent response.
Do not give this designation out unless the email is clearly urgent and requires immediate action.
Consider the sender's identity, time-sensitive language or deadlines, critical business impact,
and financial or security implications.
Respond with only 'true' if urgent or 'false' if not urgent.`

const riskSystemPrompt = `You are an email security analyzer.
Your task is to determine if an email poses potential security risks: phishing attempts,
suspicious sender domains, unusual attachments, links to suspicious domains, social
engineering, pressure tactics, or requests for sensitive information.
Categorize the risk as HIGH_RISK (clear and immediate threats), MODERATE_RISK (potential
concerns that require attention), or NO_RISK (normal communication).
Respond with exactly one of 'HIGH_RISK', 'MODERATE_RISK', or 'NO_RISK', followed by a
newline and a bullet-point explanation of the specific risks identified (if any).`

// OpenAIClassifier talks to an OpenAI-compatible chat-completions endpoint.
// A circuit breaker sheds calls while the endpoint is misbehaving; per-call
// timeouts keep a slow classifier from stalling reconciliation.
type OpenAIClassifier struct {
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewOpenAIClassifier(endpoint, apiKey, model string, timeout time.Duration, log *zap.Logger) *OpenAIClassifier {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "classifier",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("classifier breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &OpenAIClassifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		timeout:  timeout,
		client:   &http.Client{},
		cb:       cb,
		log:      log,
	}
}

func (c *OpenAIClassifier) Urgent(ctx context.Context, subject, body, sender string) (bool, error) {
	user := fmt.Sprintf("Please analyze this email:\nFrom: %s\nSubject: %s\n\nBody:\n%s", sender, subject, body)
	verdict, err := c.complete(ctx, urgencySystemPrompt, user)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(verdict), "true"), nil
}

func (c *OpenAIClassifier) Risk(ctx context.Context, subject, body, sender string, attachments []string) (RiskAnalysis, error) {
	user := fmt.Sprintf("Please analyze this email:\nFrom: %s\nSubject: %s\nAttachments: %s\n\nBody:\n%s",
		sender, subject, strings.Join(attachments, ", "), body)
	verdict, err := c.complete(ctx, riskSystemPrompt, user)
	if err != nil {
		return RiskAnalysis{}, err
	}
	return parseRiskVerdict(verdict, c.log), nil
}

// parseRiskVerdict maps the model's reply to a risk level. Verdicts that
// match no known level fall open to RiskNone; they are logged with the raw
// text so the fail-open can be audited.
func parseRiskVerdict(verdict string, log *zap.Logger) RiskAnalysis {
	verdict = strings.TrimSpace(verdict)
	head, tail, _ := strings.Cut(verdict, "\n")
	out := RiskAnalysis{Explanation: strings.TrimSpace(tail)}

	switch strings.TrimSpace(head) {
	case "HIGH_RISK":
		out.Level = RiskHigh
	case "MODERATE_RISK":
		out.Level = RiskModerate
	case "NO_RISK":
		out.Level = RiskNone
	default:
		log.Warn("unparseable risk verdict, treating as no risk", zap.String("verdict", head))
		out.Level = RiskNone
	}
	return out
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClassifier) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.doComplete(ctx, system, user)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *OpenAIClassifier) doComplete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("classifier status %d: %s", resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("classifier returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

var _ Classifier = (*OpenAIClassifier)(nil)
