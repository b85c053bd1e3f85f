package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	firestore "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Firestore collections and fields of the interview portal.
const (
	collectionInterviews = "InterviewBots"
	collectionDIDAvatars = "DID-Avatars"

	fieldDIDAgent      = "DID-avatarConfig"
	fieldClientKey     = "clientKey"
	fieldBotName       = "botName"
	fieldInterviewType = "interviewType"
	fieldAvatarType    = "avatarType"
)

// FirestoreConfig configures a Firestore resolver.
type FirestoreConfig struct {
	Project  string
	Database string

	// CredentialsFile is a service account JSON file. Empty uses
	// application default credentials.
	CredentialsFile string

	// Fallback answers everything but DIDConfig. Defaults to an empty Env.
	Fallback Resolver

	// Options are passed to the Firestore client, e.g. an endpoint for
	// the emulator.
	Options []option.ClientOption

	Logger *slog.Logger
}

// Firestore reads D-ID agents from the portal's Firestore documents.
type Firestore struct {
	Resolver

	docs   *firestore.ProjectsDatabasesDocumentsService
	root   string
	logger *slog.Logger
}

// NewFirestore creates a Firestore resolver.
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("credentials: firestore project required")
	}
	if cfg.Database == "" {
		cfg.Database = "(default)"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = &Env{}
	}

	opts := cfg.Options
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := firestore.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("credentials: firestore client: %w", err)
	}

	return &Firestore{
		Resolver: cfg.Fallback,
		docs:     svc.Projects.Databases.Documents,
		root:     fmt.Sprintf("projects/%s/databases/%s/documents", cfg.Project, cfg.Database),
		logger:   cfg.Logger.With("component", "credentials.firestore"),
	}, nil
}

func (f *Firestore) get(ctx context.Context, collection, id string) (map[string]firestore.Value, error) {
	name := fmt.Sprintf("%s/%s/%s", f.root, collection, id)
	doc, err := f.docs.Get(name).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return nil, fmt.Errorf("credentials: get %s/%s: %w", collection, id, err)
	}
	return doc.Fields, nil
}

func stringField(fields map[string]firestore.Value, key, def string) string {
	if v, ok := fields[key]; ok && v.StringValue != "" {
		return v.StringValue
	}
	return def
}

// DIDConfig implements Resolver. The interview document names the agent;
// the agent document holds its client key.
func (f *Firestore) DIDConfig(ctx context.Context, interviewID string) (DIDConfig, error) {
	if interviewID == "" {
		return DIDConfig{}, fmt.Errorf("%w: interview id required", ErrInvalid)
	}
	interview, err := f.get(ctx, collectionInterviews, interviewID)
	if err != nil {
		return DIDConfig{}, err
	}
	agentID := stringField(interview, fieldDIDAgent, "")
	if agentID == "" {
		return DIDConfig{}, fmt.Errorf("%w: no d-id avatar configured for interview %s", ErrNotFound, interviewID)
	}

	agent, err := f.get(ctx, collectionDIDAvatars, agentID)
	if err != nil {
		return DIDConfig{}, err
	}
	def := DefaultAvatarConfig().Metadata
	cfg := DIDConfig{
		AgentID:   agentID,
		ClientKey: stringField(agent, fieldClientKey, ""),
		Metadata: Metadata{
			BotName:       stringField(interview, fieldBotName, def.BotName),
			InterviewType: stringField(interview, fieldInterviewType, def.InterviewType),
			AvatarType:    stringField(interview, fieldAvatarType, def.AvatarType),
		},
	}
	if err := cfg.Validate(); err != nil {
		return DIDConfig{}, err
	}
	f.logger.Debug("resolved d-id agent", "interview", interviewID, "bot", cfg.Metadata.BotName)
	return cfg, nil
}

var _ Resolver = (*Firestore)(nil)
