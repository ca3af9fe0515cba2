package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/idgen"
	"github.com/claudinethelobster/clawfather/internal/metrics"
	"github.com/claudinethelobster/clawfather/internal/probe"
	"github.com/claudinethelobster/clawfather/internal/validation"
)

// Errors mapped to the API's typed codes.
var (
	ErrValidation          = errors.New("session: validation error")
	ErrKeypairRevoked      = errors.New("session: keypair revoked")
	ErrInsufficientCredits = errors.New("session: insufficient credits")
	ErrSessionLimit        = errors.New("session: session limit reached")
	ErrConnectFailed       = errors.New("session: ssh connect failed")
	ErrLaunchFailed        = errors.New("session: ssh launch failed")
)

// Termination reasons recorded on the lease.
const (
	ReasonUserTerminate   = "user_terminate"
	ReasonCreditExhausted = "credit_exhausted"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonKeyRevoked      = "key_revoked"
	ReasonStaleRecord     = "stale_record"
	ReasonServerShutdown  = "server_shutdown"
)

// terminateGrace is how long a control master gets to exit cleanly before
// it is signalled.
const terminateGrace = 3 * time.Second

// Config parameterizes the manager.
type Config struct {
	SocketDir      string
	DefaultSSHPort int
	MaxSessions    int // {pending, active} leases per account
	WebDomain      string
	ProbeTimeout   time.Duration
}

// Manager orchestrates bootstrap → confirm → launch → terminate. It owns
// the control-master subprocesses; everything durable goes through the
// account store.
type Manager struct {
	cfg      Config
	accounts *account.Service
	store    account.Store
	registry *Registry
	prober   *probe.Prober
	auditLog *audit.Logger
	logger   *slog.Logger

	mu      sync.Mutex
	masters map[string]*controlMaster // by session id
}

// NewManager creates a session manager.
func NewManager(cfg Config, accounts *account.Service, registry *Registry, prober *probe.Prober, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	if cfg.DefaultSSHPort == 0 {
		cfg.DefaultSSHPort = 22
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 3
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp/clawdfather"
	}
	return &Manager{
		cfg:      cfg,
		accounts: accounts,
		store:    accounts.Store(),
		registry: registry,
		prober:   prober,
		auditLog: auditLog,
		logger:   logger,
		masters:  make(map[string]*controlMaster),
	}
}

// Registry returns the live-session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// InstallCommand renders the one-line snippet that authorizes the public
// key on a remote host.
func InstallCommand(publicKey string) string {
	return "mkdir -p ~/.ssh && echo " + validation.ShellQuote(publicKey) +
		" >> ~/.ssh/authorized_keys && chmod 700 ~/.ssh && chmod 600 ~/.ssh/authorized_keys"
}

// BootstrapResult is the outcome of a bootstrap call.
type BootstrapResult struct {
	Status         string              `json:"status"` // "ready" or "needs_setup"
	ConnectionID   string              `json:"connection_id"`
	InstallCommand *string             `json:"install_command"`
	Connection     *account.Connection `json:"-"`
}

// Bootstrap validates the target, ensures the account has a keypair, and
// finds or creates the Connection for (account, host, port, user).
func (m *Manager) Bootstrap(ctx context.Context, accountID, host, username string, port int) (*BootstrapResult, error) {
	if port == 0 {
		port = m.cfg.DefaultSSHPort
	}
	if !validation.IsValidUsername(username) {
		return nil, fmt.Errorf("%w: invalid username", ErrValidation)
	}
	if !validation.IsValidHost(host) {
		return nil, fmt.Errorf("%w: invalid host", ErrValidation)
	}
	if !validation.IsValidPort(port) {
		return nil, fmt.Errorf("%w: invalid port", ErrValidation)
	}

	key, err := m.accounts.EnsureKeypair(ctx, accountID)
	if err != nil {
		return nil, err
	}

	conn, err := m.store.FindConnection(ctx, accountID, host, port, username)
	if errors.Is(err, account.ErrNotFound) {
		conn = &account.Connection{
			ID:        idgen.WithPrefix("conn_"),
			AccountID: accountID,
			KeypairID: key.ID,
			Host:      host,
			Port:      port,
			Username:  username,
			CreatedAt: time.Now(),
		}
		if err := m.store.CreateConnection(ctx, conn); err != nil {
			if !errors.Is(err, account.ErrDuplicateConnection) {
				return nil, err
			}
			// Concurrent bootstrap created it first.
			conn, err = m.store.FindConnection(ctx, accountID, host, port, username)
			if err != nil {
				return nil, err
			}
		} else {
			m.auditLog.Record(ctx, accountID, audit.ActionConnectionSaved, conn.ID, host, "")
		}
	} else if err != nil {
		return nil, err
	}

	if conn.LastTestResult == account.TestResultOK {
		return &BootstrapResult{
			Status:       "ready",
			ConnectionID: conn.ID,
			Connection:   conn,
		}, nil
	}

	cmd := InstallCommand(key.PublicKey)
	return &BootstrapResult{
		Status:         "needs_setup",
		ConnectionID:   conn.ID,
		InstallCommand: &cmd,
		Connection:     conn,
	}, nil
}

// ConfirmResult is the successful outcome of a confirm call.
type ConfirmResult struct {
	Lease   *account.SessionLease `json:"session"`
	ChatURL string                `json:"chat_url"`
	Token   string                `json:"token"`
}

// Confirm checks preconditions in order, probes the host, and launches the
// control master. On probe failure the verdict is persisted on the
// Connection and ErrConnectFailed returned.
func (m *Manager) Confirm(ctx context.Context, accountID, connID, clientIP, userAgent string) (*ConfirmResult, error) {
	conn, err := m.store.GetConnection(ctx, connID)
	if err != nil || conn.AccountID != accountID {
		return nil, account.ErrNotFound
	}

	key, err := m.store.GetKeypair(ctx, conn.KeypairID)
	if err != nil {
		return nil, account.ErrNotFound
	}
	if !key.Active {
		return nil, ErrKeypairRevoked
	}

	balance, err := m.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance < 1 {
		return nil, ErrInsufficientCredits
	}

	open, err := m.store.CountOpenLeases(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if open >= m.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}

	privPEM, err := m.accounts.DecryptPrivateKey(key)
	if err != nil {
		m.auditLog.Record(ctx, accountID, audit.ActionCryptoFailure, key.ID, "keypair decrypt failed", clientIP)
		return nil, err
	}

	res := m.prober.TestConnection(ctx, conn.Host, conn.Port, conn.Username, privPEM, conn.PinnedHostKey, m.cfg.ProbeTimeout)
	now := time.Now()
	if res.Result != probe.ResultOK {
		_ = m.store.RecordTestResult(ctx, conn.ID, res.Result, "", now)
		m.auditLog.Record(ctx, accountID, audit.ActionConnectionTested, conn.ID, res.Result, clientIP)
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, res.Message)
	}
	if err := m.store.RecordTestResult(ctx, conn.ID, probe.ResultOK, res.HostKeyFingerprint, now); err != nil {
		return nil, err
	}

	// Insert the pending lease, open the account_sessions row, and mint the
	// session-bound token before touching the subprocess.
	lease := &account.SessionLease{
		ID:           idgen.New(),
		AccountID:    accountID,
		ConnectionID: conn.ID,
		Status:       account.LeasePending,
		StartedAt:    now,
	}
	if err := m.store.CreateLease(ctx, lease); err != nil {
		return nil, err
	}
	if err := m.store.StartAccountSession(ctx, lease.ID, accountID); err != nil {
		return nil, err
	}
	token, tokenRec, err := m.accounts.IssueToken(ctx, accountID, lease.ID, 0, clientIP, userAgent)
	if err != nil {
		return nil, err
	}

	cm, err := spawnControlMaster(ctx, m.cfg.SocketDir, lease.ID, conn.Host, conn.Port, conn.Username, privPEM)
	if err != nil {
		// Roll the allocation back: failed lease, closed session row,
		// revoked token.
		_ = m.store.UpdateLeaseStatus(ctx, lease.ID, account.LeaseFailed, "", time.Now())
		_ = m.store.EndAccountSession(ctx, lease.ID)
		_ = m.accounts.RevokeToken(ctx, tokenRec.ID)
		m.logger.Error("control master launch failed", "session", lease.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	m.mu.Lock()
	m.masters[lease.ID] = cm
	m.mu.Unlock()

	m.registry.Create(&LiveSession{
		ID:                lease.ID,
		AccountID:         accountID,
		ConnectionID:      conn.ID,
		ControlSocketPath: cm.socketPath,
		StartedAt:         now,
	})

	if err := m.store.UpdateLeaseStatus(ctx, lease.ID, account.LeaseActive, "", time.Now()); err != nil {
		m.logger.Error("failed to activate lease", "session", lease.ID, "error", err)
	}
	lease.Status = account.LeaseActive

	metrics.ActiveSessions.Set(float64(m.registry.Count()))
	m.auditLog.Record(ctx, accountID, audit.ActionSessionStarted, lease.ID, conn.Host, clientIP)
	m.logger.Info("session started",
		"session", lease.ID,
		"account", accountID,
		"host", conn.Host,
		"latency_ms", res.LatencyMs,
	)

	return &ConfirmResult{
		Lease:   lease,
		ChatURL: m.cfg.WebDomain + "/ws/sessions/" + lease.ID,
		Token:   token,
	}, nil
}

// Execute runs one chat command over the session's control socket and
// refreshes its activity timestamp.
func (m *Manager) Execute(ctx context.Context, sessionID, command string) ([]byte, error) {
	m.mu.Lock()
	cm, ok := m.masters[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, account.ErrNotFound
	}
	m.registry.Touch(sessionID)
	out, err := cm.Execute(ctx, command)
	m.registry.Touch(sessionID)
	return out, err
}

// Terminate tears a session down: control master exit (signalled after the
// grace period), socket removed, registry entry dropped, lease ended with
// the reason, account_sessions row closed, bound tokens revoked.
// Idempotent — terminating an already-dead session only re-ends the
// persistent records.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	cm, ok := m.masters[sessionID]
	delete(m.masters, sessionID)
	m.mu.Unlock()

	if ok {
		cm.Terminate(terminateGrace)
	}

	peers := m.registry.Remove(sessionID)
	for _, p := range peers {
		p.Kick(4000, reason, "session closed")
	}

	_ = m.store.UpdateLeaseStatus(ctx, sessionID, account.LeaseEnded, reason, time.Now())
	_ = m.store.EndAccountSession(ctx, sessionID)
	_ = m.accounts.RevokeTokensBySession(ctx, sessionID)

	metrics.ActiveSessions.Set(float64(m.registry.Count()))
	metrics.SessionsTerminated.WithLabelValues(reason).Inc()

	lease, err := m.store.GetLease(ctx, sessionID)
	if err == nil {
		m.auditLog.Record(ctx, lease.AccountID, audit.ActionSessionEnded, sessionID, reason, "")
	}
	m.logger.Info("session terminated", "session", sessionID, "reason", reason)
	return nil
}

// TerminateIdle ends sessions whose idle age exceeds the threshold.
// Returns the count terminated; called from the credit ticker so checks
// stay serialized.
func (m *Manager) TerminateIdle(ctx context.Context, threshold time.Duration) int {
	n := 0
	cutoff := time.Now().Add(-threshold)
	for _, snap := range m.registry.List() {
		if snap.LastActivity.Before(cutoff) {
			_ = m.Terminate(ctx, snap.ID, ReasonIdleTimeout)
			n++
		}
	}
	return n
}

// Shutdown terminates every live session (server shutdown path).
func (m *Manager) Shutdown(ctx context.Context) {
	for _, snap := range m.registry.List() {
		_ = m.Terminate(ctx, snap.ID, ReasonServerShutdown)
	}
}
