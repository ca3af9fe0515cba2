package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/idgen"
)

// stateTTL bounds how long an outgoing OAuth state stays redeemable.
const stateTTL = 10 * time.Minute

// OAuth errors, mapped to typed API codes by the handlers.
var (
	ErrInvalidState      = errors.New("auth: invalid or expired oauth state")
	ErrInvalidCode       = errors.New("auth: authorization code rejected")
	ErrGitHubUnavailable = errors.New("auth: github unreachable")
)

// GitHubOAuth drives the provider round-trip: state issue, code exchange,
// profile fetch, account resolution.
type GitHubOAuth struct {
	cfg      *oauth2.Config
	store    account.Store
	accounts *account.Service
	apiBase  string // overridable in tests
}

// NewGitHubOAuth wires the GitHub OAuth flow.
func NewGitHubOAuth(clientID, clientSecret, webDomain string, accounts *account.Service) *GitHubOAuth {
	return &GitHubOAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
			RedirectURL:  webDomain + "/api/v1/auth/oauth/github/callback",
			Scopes:       []string{"read:user", "user:email"},
		},
		store:    accounts.Store(),
		accounts: accounts,
		apiBase:  "https://api.github.com",
	}
}

// Configured reports whether provider credentials are present.
func (g *GitHubOAuth) Configured() bool {
	return g.cfg.ClientID != "" && g.cfg.ClientSecret != ""
}

// Start issues a fresh state, caches its hash with a code verifier, and
// returns the authorize URL. The plaintext state goes to the client; only
// its SHA-256 is stored.
func (g *GitHubOAuth) Start(ctx context.Context) (authorizeURL, state string, err error) {
	state = idgen.Hex(32)
	verifier := idgen.Hex(32)
	if err := g.store.PutOAuthState(ctx, hashState(state), verifier, time.Now().Add(stateTTL)); err != nil {
		return "", "", err
	}
	return g.cfg.AuthCodeURL(state), state, nil
}

// githubUser is the subset of the /user payload we consume.
type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Callback consumes the state exactly once, exchanges the code, fetches the
// profile, and resolves or creates the account. Returns the account and
// whether it was newly created.
func (g *GitHubOAuth) Callback(ctx context.Context, code, state string) (*account.Account, bool, error) {
	_, ok, err := g.store.ConsumeOAuthState(ctx, hashState(state), time.Now())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrInvalidState
	}

	token, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, false, ErrInvalidCode
		}
		return nil, false, ErrGitHubUnavailable
	}

	user, err := g.fetchUser(ctx, token)
	if err != nil {
		return nil, false, err
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}

	ident := &account.OAuthIdentity{
		Provider:         "github",
		ProviderUserID:   strconv.FormatInt(user.ID, 10),
		ProviderUsername: user.Login,
		ProviderEmail:    user.Email,
		Scopes:           "read:user,user:email",
	}
	acct, created, err := g.store.ResolveOrCreateOAuthAccount(ctx, ident, displayName)
	if err != nil {
		return nil, false, err
	}

	// Seal the provider token under the account KEK now that the account id
	// is known. Best-effort refresh; login already succeeded.
	if ct, err := g.accounts.EncryptForAccount(acct.ID, []byte(token.AccessToken)); err == nil {
		ident.TokenCiphertext = ct
		_, _, _ = g.store.ResolveOrCreateOAuthAccount(ctx, ident, displayName)
	}

	_ = g.store.TouchAccount(ctx, acct.ID, time.Now())
	return acct, created, nil
}

func (g *GitHubOAuth) fetchUser(ctx context.Context, token *oauth2.Token) (*githubUser, error) {
	client := g.cfg.Client(ctx, token)
	client.Timeout = 10 * time.Second

	resp, err := client.Get(g.apiBase + "/user")
	if err != nil {
		return nil, ErrGitHubUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrGitHubUnavailable, resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, ErrGitHubUnavailable
	}
	return &user, nil
}

func hashState(state string) string {
	h := sha256.Sum256([]byte(state))
	return hex.EncodeToString(h[:])
}
