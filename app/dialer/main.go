package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"golang.org/x/time/rate"

	"github.com/vobizlabs/goDialer/business/campaign"
	"github.com/vobizlabs/goDialer/business/session"
	"github.com/vobizlabs/goDialer/foundation/config"
	"github.com/vobizlabs/goDialer/foundation/external/webhook"
	"github.com/vobizlabs/goDialer/foundation/ledger"
	"github.com/vobizlabs/goDialer/foundation/logger"
	"github.com/vobizlabs/goDialer/foundation/provider"
	"github.com/vobizlabs/goDialer/foundation/pubsub"
	"github.com/vobizlabs/goDialer/foundation/recording"
	"github.com/vobizlabs/goDialer/foundation/telephony"

	redisfdn "github.com/vobizlabs/goDialer/foundation/redis"
)

var (
	version   string
	buildTime string
)

func main() {
	// =================================================================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Dialer struct {
			AssistantConfigPath string `conf:"default:/etc/goDialer/assistants.json,noprint"`
			CampaignFilePath    string `conf:"default:/etc/goDialer/campaigns.json,noprint"`
			GlobalBound         int    `conf:"default:8"`
			DialsPerSecond      int    `conf:"default:2"`
		}
		Media struct {
			URL    string `conf:"default:ws://127.0.0.1:8085/media"`
			ApiKey string `conf:"noprint"`
		}
		Webhook struct {
			URL    string
			ApiKey string `conf:"noprint"`
		}
		Redis struct {
			Address           string
			Password          string `conf:"noprint"`
			TranscriptChannel string `conf:"default:dialer:transcription"`
		}
		Ledger struct {
			Path string `conf:"default:/var/lib/goDialer/ledger.jsonl"`
		}
		Recording struct {
			Directory string `conf:"default:/var/lib/goDialer/recordings"`
		}
	}{
		Version: conf.Version{
			Build: version,
			Desc:  buildTime,
		},
	}

	help, err := conf.Parse("DIALER", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			os.Exit(0)
		}
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	// =================================================================================================================
	// Application Logger

	log, err := logger.New("DIALER")
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	out, err := conf.String(&cfg)
	if err != nil {
		log.Errorw("startup", "ERROR", err)
	}
	log.Infow("startup", "version", version, "config", out)

	// =================================================================================================================
	// Call Ledger and Orphan Recovery

	callLedger, err := ledger.NewFileLedger(cfg.Ledger.Path)
	if err != nil {
		log.Errorw("startup: ledger", "ERROR", err)
		os.Exit(1)
	}
	defer callLedger.Close()

	// =================================================================================================================
	// Redis

	var redisClient *redisfdn.Redis
	if cfg.Redis.Address != "" {
		redisClient, err = redisfdn.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.TranscriptChannel, log)
		if err != nil {
			log.Errorw("startup: redis", "ERROR", err)
			redisClient = nil
		}
	}

	// =================================================================================================================
	// Session Event Fan-Out

	broker := pubsub.NewBroker()

	turnSub := pubsub.NewSubscriber(64)
	broker.Subscribe(session.TopicTurns, turnSub)
	go func() {
		for data := range turnSub.GetChannel() {
			if redisClient == nil {
				continue
			}
			if err := redisClient.Produce(data); err != nil {
				log.Errorw("dialer: transcript produce", "ERROR", err)
			}
		}
	}()

	terminalSub := pubsub.NewSubscriber(64)
	broker.Subscribe(session.TopicTerminal, terminalSub)
	go func() {
		for data := range terminalSub.GetChannel() {
			terminal, ok := data.(session.TerminalEvent)
			if !ok {
				continue
			}
			log.Infow("dialer: session terminal",
				"sessionID", terminal.SessionID,
				"campaignID", terminal.CampaignID,
				"outcome", string(terminal.Outcome))
		}
	}()

	// =================================================================================================================
	// Collaborators

	var notifier *webhook.Notifier
	if cfg.Webhook.URL != "" {
		notifier = webhook.New(cfg.Webhook.URL, cfg.Webhook.ApiKey)
	}

	var recorder recording.Sink
	if sink, err := recording.NewWavSink(cfg.Recording.Directory, telephony.SampleRate); err != nil {
		log.Errorw("startup: recording", "ERROR", err)
	} else {
		recorder = sink
	}

	// =================================================================================================================
	// Sessions and Dispatcher

	sessions := session.NewOrchestrator(session.Settings{
		Logger:   log,
		Ledger:   callLedger,
		Broker:   broker,
		Webhook:  notifier,
		Recorder: recorder,
	})

	if err := sessions.RecoverOrphans(); err != nil {
		log.Errorw("startup: orphan recovery", "ERROR", err)
		os.Exit(1)
	}

	gateway := telephony.NewMediaGateway(cfg.Media.URL, cfg.Media.ApiKey, log)

	dispatcher := campaign.NewDispatcher(campaign.Settings{
		Logger:   log,
		Gateway:  gateway,
		Sessions: sessions,
		Ledger:   callLedger,
		Webhook:  notifier,
		Assistants: func(assistantID string) (config.Assistant, error) {
			return loadAssistant(cfg.Dialer.AssistantConfigPath, assistantID, redisClient)
		},
		Providers:   provider.NewSet,
		GlobalBound: cfg.Dialer.GlobalBound,
		DialRate:    rate.NewLimiter(rate.Limit(cfg.Dialer.DialsPerSecond), cfg.Dialer.DialsPerSecond),
	})

	// =================================================================================================================
	// Campaign Submission

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaigns, err := loadCampaigns(cfg.Dialer.CampaignFilePath)
	if err != nil {
		log.Errorw("startup: campaigns", "ERROR", err)
		os.Exit(1)
	}

	waiters := make([]<-chan struct{}, 0, len(campaigns))
	for _, c := range campaigns {
		if err := dispatcher.Submit(ctx, c); err != nil {
			log.Errorw("dialer: submit", "campaignID", c.ID, "ERROR", err)
			continue
		}

		done, err := dispatcher.Wait(c.ID)
		if err != nil {
			log.Errorw("dialer: submit", "campaignID", c.ID, "ERROR", err)
			continue
		}
		waiters = append(waiters, done)
	}

	// =================================================================================================================
	// Shutdown

	allDone := make(chan struct{})
	go func() {
		for _, done := range waiters {
			<-done
		}
		close(allDone)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-allDone:
		log.Infow("dialer: all campaigns resolved")

	case sig := <-shutdown:
		log.Infow("dialer: shutdown", "signal", sig.String())

		for _, c := range campaigns {
			if err := dispatcher.Cancel(c.ID); err != nil {
				log.Errorw("dialer: cancel", "campaignID", c.ID, "ERROR", err)
			}
		}

		select {
		case <-allDone:
		case <-time.After(10 * time.Second):
			log.Errorw("dialer: shutdown", "ERROR", "campaigns did not resolve in time")
		}
	}
}

// =====================================================================================================================

// loadAssistant resolves an assistant profile, preferring the redis cache
// when one is wired. Cache failures fall back to the profile file.
func loadAssistant(path string, assistantID string, redisClient *redisfdn.Redis) (config.Assistant, error) {
	if redisClient != nil {
		var cached config.Assistant
		found, err := redisClient.LookupAssistant(context.Background(), assistantID, &cached)
		if err == nil && found {
			return cached, nil
		}
	}

	assistant, err := config.GetAssistant(path, assistantID)
	if err != nil {
		return config.Assistant{}, err
	}

	if redisClient != nil {
		if err := redisClient.CacheAssistant(context.Background(), assistantID, assistant); err == nil {
			return assistant, nil
		}
	}
	return assistant, nil
}

// loadCampaigns reads the campaign submission file.
func loadCampaigns(path string) ([]*campaign.Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading campaign file: %w", err)
	}

	var file struct {
		Campaigns []struct {
			ID            string `json:"id"`
			AssistantID   string `json:"assistant_id"`
			CallerID      string `json:"caller_id"`
			Cap           int    `json:"cap"`
			MaxAttempts   int    `json:"max_attempts"`
			BackoffBaseMs int    `json:"backoff_base_ms"`
			BackoffCapMs  int    `json:"backoff_cap_ms"`
			Contacts      []struct {
				Number   string            `json:"number"`
				Metadata map[string]string `json:"metadata"`
			} `json:"contacts"`
		} `json:"campaigns"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing campaign file: %w", err)
	}

	campaigns := make([]*campaign.Campaign, 0, len(file.Campaigns))
	for _, c := range file.Campaigns {
		contacts := make([]*campaign.Contact, 0, len(c.Contacts))
		for _, contact := range c.Contacts {
			contacts = append(contacts, &campaign.Contact{
				Number:   contact.Number,
				Metadata: contact.Metadata,
			})
		}

		campaigns = append(campaigns, &campaign.Campaign{
			ID:          c.ID,
			AssistantID: c.AssistantID,
			CallerID:    c.CallerID,
			Contacts:    contacts,
			Cap:         c.Cap,
			Retry: campaign.RetryPolicy{
				MaxAttempts: c.MaxAttempts,
				BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
				BackoffCap:  time.Duration(c.BackoffCapMs) * time.Millisecond,
			},
		})
	}
	return campaigns, nil
}
