package stepfunctions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/oklog/ulid/v2"
	"github.com/savaki/replyrouter/pkg/rules"
	"go.uber.org/zap"
)

// maxExecutionName is the Step Functions limit on execution names
const maxExecutionName = 80

// StartExecutionAPI is the subset of the Step Functions client used here
type StartExecutionAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

var _ StartExecutionAPI = (*sfn.Client)(nil)

// HookExecutor runs WEBHOOK and SCRIPT rule side effects as Step Functions
// executions. A rule hook that is itself a state machine ARN is started
// directly; any other hook value is passed to the default state machine.
type HookExecutor struct {
	client          StartExecutionAPI
	stateMachineArn string
	logger          *zap.Logger
}

var _ rules.HookExecutor = (*HookExecutor)(nil)

// NewHookExecutor creates a hook executor from AWS config
func NewHookExecutor(cfg aws.Config, stateMachineArn string, logger *zap.Logger) *HookExecutor {
	return NewHookExecutorWithClient(sfn.NewFromConfig(cfg), stateMachineArn, logger)
}

// NewHookExecutorWithClient creates a hook executor with an existing client
func NewHookExecutorWithClient(client StartExecutionAPI, stateMachineArn string, logger *zap.Logger) *HookExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookExecutor{
		client:          client,
		stateMachineArn: stateMachineArn,
		logger:          logger,
	}
}

// Execute starts an execution whose input is the JSON encoded hook request
func (h *HookExecutor) Execute(ctx context.Context, req rules.HookRequest) error {
	stateMachineArn := h.stateMachineArn
	if strings.HasPrefix(req.Hook, "arn:") {
		stateMachineArn = req.Hook
	}
	if stateMachineArn == "" {
		return fmt.Errorf("hook %q: no state machine configured", req.Hook)
	}

	inputJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	result, err := h.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: &stateMachineArn,
		Input:           aws.String(string(inputJSON)),
		Name:            aws.String(executionName(req.RuleID)),
	})
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}

	h.logger.Info("rule hook started",
		zap.String("rule_id", req.RuleID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("execution_arn", aws.ToString(result.ExecutionArn)),
	)
	return nil
}

// executionName is unique per call and within the allowed length
func executionName(ruleID string) string {
	name := fmt.Sprintf("hook-%s-%s", ruleID, ulid.Make().String())
	if len(name) > maxExecutionName {
		name = name[len(name)-maxExecutionName:]
	}
	return name
}
