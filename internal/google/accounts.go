package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

// TokenStore persists each organization's OAuth token.
type TokenStore interface {
	GetToken(ctx context.Context, orgID string) (*models.OAuthToken, error)
	SaveToken(ctx context.Context, token *models.OAuthToken) error
}

// AccountProvider resolves an organization's stored credential into a
// ready calendar client, refreshing and persisting the token as needed.
type AccountProvider struct {
	oauth    *oauth2.Config
	store    TokenStore
	opts     []option.ClientOption
	breakers sync.Map // org ID -> *gobreaker.CircuitBreaker[any]
	logger   zerolog.Logger
}

// NewOAuthConfig builds the web-flow config for the calendar scope.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     googleoauth.Endpoint,
	}
}

// NewAccountProvider creates a provider. Extra client options are appended to
// every calendar client, e.g. an endpoint override.
func NewAccountProvider(cfg *oauth2.Config, store TokenStore, logger *zerolog.Logger, opts ...option.ClientOption) *AccountProvider {
	return &AccountProvider{
		oauth:  cfg,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "google_accounts").Logger(),
	}
}

func (p *AccountProvider) Account(ctx context.Context, org *models.Organization) (*domain.CalendarAccount, error) {
	stored, err := p.store.GetToken(ctx, org.ID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, fmt.Errorf("organization %s has no calendar credential: %w", org.ID, domain.ErrCredentialRevoked)
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %v: %w", org.ID, err, domain.ErrCredentialUnavailable)
	}

	current := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	}
	fresh, err := p.oauth.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, classifyTokenError(org.ID, err)
	}

	if fresh.AccessToken != stored.AccessToken {
		refreshed := &models.OAuthToken{
			OrgID:        org.ID,
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    fresh.TokenType,
			Expiry:       fresh.Expiry,
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = stored.RefreshToken
		}
		if err := p.store.SaveToken(ctx, refreshed); err != nil {
			p.logger.Warn().Err(err).Str("org_id", org.ID).Msg("failed to persist refreshed token")
		}
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(fresh))}, p.opts...)
	client, err := NewCalendarClient(ctx, p.breaker(org.ID), opts...)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrCredentialUnavailable)
	}

	calendarID := org.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &domain.CalendarAccount{API: client, CalendarID: calendarID, AccountEmail: org.AccountEmail}, nil
}

func (p *AccountProvider) breaker(orgID string) *gobreaker.CircuitBreaker[any] {
	if cb, ok := p.breakers.Load(orgID); ok {
		return cb.(*gobreaker.CircuitBreaker[any])
	}
	cb, _ := p.breakers.LoadOrStore(orgID, NewBreaker("calendar:"+orgID))
	return cb.(*gobreaker.CircuitBreaker[any])
}

// classifyTokenError separates a revoked grant, which needs the user to
// reconnect, from failures that may clear up on their own.
func classifyTokenError(orgID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" && strings.Contains(string(re.Body), "invalid_grant") {
			code = "invalid_grant"
		}
		switch code {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return fmt.Errorf("refresh token for %s: %s: %w", orgID, code, domain.ErrCredentialRevoked)
		}
	}
	return fmt.Errorf("refresh token for %s: %v: %w", orgID, err, domain.ErrCredentialUnavailable)
}
