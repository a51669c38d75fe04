package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/savaki/replyrouter/pkg/bedrock"
	appconfig "github.com/savaki/replyrouter/pkg/config"
	"github.com/savaki/replyrouter/pkg/dedup"
	"github.com/savaki/replyrouter/pkg/dispatch"
	"github.com/savaki/replyrouter/pkg/dynamodb"
	"github.com/savaki/replyrouter/pkg/handler"
	"github.com/savaki/replyrouter/pkg/intent"
	"github.com/savaki/replyrouter/pkg/provider"
	"github.com/savaki/replyrouter/pkg/redisstore"
	"github.com/savaki/replyrouter/pkg/router"
	"github.com/savaki/replyrouter/pkg/rules"
	slackclient "github.com/savaki/replyrouter/pkg/slack"
	"github.com/savaki/replyrouter/pkg/stepfunctions"
	"github.com/savaki/replyrouter/pkg/templates"
	"go.uber.org/zap"
)

var (
	setupOnce    sync.Once
	eventHandler *handler.EventHandler
	setupErr     error
	logger       = zap.NewNop()
)

// Handler is the Lambda handler for Slack events and interactions.
// Collaborators are built on the first invocation and reused by warm containers.
func Handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	setupOnce.Do(func() {
		eventHandler, setupErr = setup(ctx)
	})
	if setupErr != nil {
		logger.Error("handler setup failed", zap.Error(setupErr))
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"error":"handler not configured"}`,
			Headers:    map[string]string{"Content-Type": "application/json"},
		}, nil
	}
	return eventHandler.Handle(ctx, request)
}

func setup(ctx context.Context) (*handler.EventHandler, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateLambda(); err != nil {
		return nil, fmt.Errorf("invalid lambda config: %w", err)
	}

	logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger = logger.With(zap.String("environment", cfg.Environment))

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ddbClient := dynamodb.NewClientWithConfig(awsCfg)
	convRepo := dynamodb.NewConversationRepository(ddbClient, cfg.ConversationsTable)
	msgRepo := dynamodb.NewMessageRepository(ddbClient, cfg.MessagesTable)
	ruleRepo := dynamodb.NewRuleRepository(ddbClient, cfg.RulesTable)
	tmplRepo := dynamodb.NewTemplateRepository(ddbClient, cfg.TemplatesTable)
	settingsRepo := dynamodb.NewSettingsRepository(ddbClient, cfg.SettingsTable)

	gate, err := newGate(cfg, ddbClient)
	if err != nil {
		return nil, err
	}

	var hooks rules.HookExecutor
	if cfg.HookStateMachineArn != "" {
		hooks = stepfunctions.NewHookExecutor(awsCfg, cfg.HookStateMachineArn, logger)
	}

	slackClient := slackclient.NewClient(cfg.SlackBotToken, logger)
	var escalator router.Escalator
	if len(cfg.EscalationUsers) > 0 {
		escalator = handler.NewEscalator(slackClient, cfg.EscalationUsers, logger)
	}

	turns, err := router.New(router.Params{
		Conversations:        convRepo,
		Messages:             msgRepo,
		Settings:             settingsRepo,
		Resolver:             router.NewStaticResolver(handler.ChannelSlack, cfg.Connections),
		Gate:                 gate,
		Analyzer:             intent.NewClassifier(intent.WithDefaultLanguage(cfg.DefaultLanguage)),
		Rules:                rules.NewEngine(ruleRepo, nil, hooks, logger),
		Templates:            templates.NewEngine(tmplRepo, logger),
		Providers:            newProviderChain(cfg, awsCfg),
		Dispatcher:           dispatch.NewDispatcher(slackclient.NewSender(slackClient), msgRepo, cfg.GetMessageTTL(), logger),
		Notifier:             slackclient.NewAgentNotifier(slackClient, cfg.AgentChannelID),
		Escalator:            escalator,
		Logger:               logger,
		DefaultLanguage:      cfg.DefaultLanguage,
		HumanRequiredMessage: cfg.HumanRequiredMessage,
		MessageTTL:           cfg.GetMessageTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	opts := handler.NormalizeOptions{}
	if botUserID, err := slackClient.GetBotUserID(ctx); err != nil {
		logger.Warn("could not resolve bot user id; own messages are filtered by bot_id only", zap.Error(err))
	} else {
		opts.BotUserID = botUserID
	}

	logger.Info("slack handler ready",
		zap.Strings("providers", cfg.ProviderOrder),
		zap.Int("connections", len(cfg.Connections)),
	)
	return handler.NewEventHandler(turns, cfg.SlackSigningKey, opts, logger), nil
}

// newGate builds the dedup gate, sharing state through redis or DynamoDB when configured
func newGate(cfg *appconfig.Config, ddbClient dynamodb.API) (*dedup.Gate, error) {
	opts := []dedup.Option{
		dedup.WithMaxEntries(cfg.DedupMaxEntries),
		dedup.WithEvictionInterval(cfg.DedupEvictionInterval),
		dedup.WithLogger(logger),
	}
	switch {
	case cfg.RedisURL != "":
		client, err := redisstore.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		opts = append(opts, dedup.WithStore(redisstore.NewDedupStore(client, redisstore.DefaultPrefix)))
	case cfg.DedupTable != "":
		opts = append(opts, dedup.WithStore(dynamodb.NewDedupStore(ddbClient, cfg.DedupTable)))
	}
	return dedup.NewGate(opts...), nil
}

// newProviderChain orders the configured providers as PROVIDER_ORDER lists them
func newProviderChain(cfg *appconfig.Config, awsCfg aws.Config) *provider.Chain {
	var entries []provider.Entry
	for _, name := range cfg.ProviderOrder {
		switch name {
		case provider.RasaName:
			if cfg.RasaURL == "" {
				logger.Warn("RASA_URL not set, skipping rasa provider")
				continue
			}
			entries = append(entries, provider.Entry{
				Provider:   provider.NewRasaProvider(cfg.RasaURL, nil),
				Timeout:    cfg.RasaTimeout,
				MaxRetries: cfg.RasaMaxRetries,
			})
		case bedrock.Name:
			p := bedrock.NewProvider(awsCfg)
			p.SetModel(cfg.BedrockModelID)
			if cfg.BedrockPrompt != "" {
				p.SetSystemPrompt(cfg.BedrockPrompt)
			}
			entries = append(entries, provider.Entry{
				Provider:   p,
				Timeout:    cfg.BedrockTimeout,
				MaxRetries: cfg.BedrockRetries,
			})
		}
	}
	return provider.NewChain(entries,
		provider.WithBackoff(cfg.RetryBackoffBase, cfg.RetryBackoffMax),
		provider.WithLogger(logger),
	)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	_ = godotenv.Load()
	if l, err := zap.NewProduction(); err == nil {
		logger = l
	}
	lambda.Start(Handler)
}
