package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chittyos/chittyrouter/internal/agent"
	"github.com/chittyos/chittyrouter/internal/model"
)

// Classifier assigns a workstream and priority to a message.
type Classifier interface {
	Classify(ctx context.Context, msg model.EmailMessage) (model.EmailClassification, error)
}

// routerAgentID is the persistent agent that owns email classification; its
// provider scores accumulate under the "email_routing" task type.
const routerAgentID = "email-router"

const classifyTaskType = "email_routing"

// AIClassifier classifies through the agent substrate, so routing quality
// feeds the same learning loop as every other agent interaction.
type AIClassifier struct {
	substrate *agent.Substrate
	timeout   time.Duration
}

// NewAIClassifier builds a classifier with a hard per-message deadline.
func NewAIClassifier(substrate *agent.Substrate, timeout time.Duration) *AIClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AIClassifier{substrate: substrate, timeout: timeout}
}

const classifyPrompt = `Classify this email for routing. Respond with only a JSON object:
{"workstream": one of ["litigation","finance","compliance","operations","general"],
 "priority": one of ["low","normal","high","critical"],
 "sentiment": short word,
 "entities": [names, places, properties mentioned],
 "urgency_score": number in [0,1]}

From: %s
Subject: %s

%s`

const maxClassifyBody = 2000

func (c *AIClassifier) Classify(ctx context.Context, msg model.EmailMessage) (model.EmailClassification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	a, err := c.substrate.Get(ctx, routerAgentID)
	if err != nil {
		return model.EmailClassification{}, fmt.Errorf("email: classifier agent: %w", err)
	}

	body := msg.BodyText
	if len(body) > maxClassifyBody {
		body = body[:maxClassifyBody]
	}
	resp := a.Complete(ctx, model.AgentCompleteRequest{
		Prompt:   fmt.Sprintf(classifyPrompt, msg.From, msg.Subject, body),
		TaskType: classifyTaskType,
	})
	if !resp.Success {
		return model.EmailClassification{}, fmt.Errorf("email: classification failed: %s", resp.Error)
	}

	cls, err := parseClassification(resp.Text)
	if err != nil {
		return model.EmailClassification{}, err
	}
	return cls, nil
}

// parseClassification extracts the JSON object from a model response,
// tolerating surrounding prose, and normalizes out-of-range values.
func parseClassification(text string) (model.EmailClassification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return model.EmailClassification{}, fmt.Errorf("email: no JSON object in classification response")
	}

	var cls model.EmailClassification
	if err := json.Unmarshal([]byte(text[start:end+1]), &cls); err != nil {
		return model.EmailClassification{}, fmt.Errorf("email: decode classification: %w", err)
	}

	if !model.ValidWorkstream(cls.Workstream) {
		cls.Workstream = model.WorkstreamGeneral
	}
	if !model.ValidPriority(cls.Priority) {
		cls.Priority = model.PriorityNormal
	}
	if cls.UrgencyScore < 0 {
		cls.UrgencyScore = 0
	}
	if cls.UrgencyScore > 1 {
		cls.UrgencyScore = 1
	}
	return cls, nil
}

// fallbackClassification is the safe default when the AI step times out or
// fails: route to the general inbox at normal priority.
func fallbackClassification() model.EmailClassification {
	return model.EmailClassification{
		Workstream: model.WorkstreamGeneral,
		Priority:   model.PriorityNormal,
	}
}
