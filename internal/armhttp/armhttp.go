// Package armhttp implements the Arm HTTP Surface: the thin gin router that
// exposes arm/extend/disarm/status/setup-protection/remove-protection,
// require-arm, and auto-return settings over the Session Cache, the wallet
// envelope, and the Auto-Return Scheduler.
//
// Grounded on _examples/leanlp-BTC-coinjoin's internal/api/routes.go: a
// handler struct closing over its collaborators, gin.RouterGroup route
// tables, and gin.H JSON bodies. The CORS/rate-limit middleware there serves
// a public dashboard and has no analogue here; auth here is a single
// X-User-Id header middleware since multi-tenant login is out of scope.
package armhttp

import (
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"armed-turbo-executor/internal/armerr"
	"armed-turbo-executor/internal/autoreturn"
	"armed-turbo-executor/internal/envelope"
	"armed-turbo-executor/internal/session"
	"armed-turbo-executor/storage"
)

// GuardianCounter reports how many open limit/DCA/TP-SL orders or running
// bots a wallet has, for the optional ?guardian=1 status field.
type GuardianCounter interface {
	GuardianCount(userID, walletID string) int
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	Sessions      *session.Cache
	DB            *storage.DB
	AutoReturn    *autoreturn.Scheduler
	Guardian      GuardianCounter
	ServerSecret  []byte
	DefaultTTLMin int
	Log           zerolog.Logger
}

// NewRouter builds the gin.Engine mounting every route from spec §6 under
// /api/arm-encryption.
func (s *Server) NewRouter() *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		userID := c.GetHeader("X-User-Id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-User-Id header"})
			c.Abort()
			return
		}
		c.Set("userId", userID)
		c.Next()
	})

	grp := r.Group("/api/arm-encryption")
	{
		grp.POST("/arm", s.handleArm)
		grp.POST("/extend", s.handleExtend)
		grp.POST("/disarm", s.handleDisarm)
		grp.GET("/status/:walletId", s.handleStatus)
		grp.POST("/setup-protection", s.handleSetupProtection)
		grp.POST("/remove-protection", s.handleRemoveProtection)
		grp.POST("/require-arm", s.handleRequireArm)
		grp.GET("/auto-return/settings", s.handleGetAutoReturnSettings)
		grp.POST("/auto-return/setup", s.handleSetupAutoReturn)
	}
	return r
}

func (s *Server) userID(c *gin.Context) string {
	return c.GetString("userId")
}

// writeErr maps the error taxonomy from spec §7 onto the status codes from
// spec §6: 400 bad input or not armed (extend on an unarmed session), 401
// invalid passphrase, 403 2FA required, 404 wallet not found, 500
// migration/crypto failure.
func writeErr(c *gin.Context, err error) {
	switch err {
	case armerr.ErrInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case armerr.ErrAutomationNotArmed:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case armerr.ErrBadPassphrase:
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case armerr.ErrTwoFactorRequired:
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case armerr.ErrWalletNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case armerr.ErrCorruptEnvelope, armerr.ErrUnsupportedLegacy:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type armRequest struct {
	WalletID       string `json:"walletId" binding:"required"`
	Passphrase     string `json:"passphrase"`
	TTLMinutes     int    `json:"ttlMinutes"`
	ApplyToAll     bool   `json:"applyToAll"`
	PassphraseHint string `json:"passphraseHint"`
	ForceOverwrite bool   `json:"forceOverwrite"`
	TwoFactorToken string `json:"twoFactorToken"`
}

// handleArm unlocks a wallet for ttlMinutes, auto-migrating a legacy or
// unprotected envelope to the modern protected form the first time a
// passphrase is supplied.
func (s *Server) handleArm(c *gin.Context) {
	var req armRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	userID := s.userID(c)

	w, err := s.DB.GetWallet(userID, req.WalletID)
	if err != nil || w == nil {
		writeErr(c, armerr.ErrWalletNotFound)
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if req.TTLMinutes < 1 {
		ttl = time.Duration(s.defaultTTLMin()) * time.Minute
	}
	aad := envelope.AAD(userID, req.WalletID)

	dek, migrated, err := s.resolveArmDEK(w, req.Passphrase, aad)
	if err != nil {
		writeErr(c, err)
		return
	}
	defer envelope.Zero(dek)

	s.Sessions.Arm(userID, req.WalletID, dek, ttl)
	s.scheduleAutoReturn(userID, req.WalletID, ttl)

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"walletId":        req.WalletID,
		"armedForMinutes": int(ttl.Minutes()),
		"migrated":        migrated,
	})
}

// resolveArmDEK produces the session DEK for w, migrating a legacy or
// unprotected wallet to a modern passphrase-protected envelope in place when
// a passphrase is supplied. A bare unprotected wallet with no passphrase
// stays unprotected and cannot be armed — arming always needs a DEK wrapped
// under something only the caller can unwrap.
func (s *Server) resolveArmDEK(w *storage.Wallet, passphrase string, aad []byte) (dek []byte, migrated bool, err error) {
	if w.LegacyPrivateKey != "" {
		if passphrase == "" {
			return nil, false, armerr.ErrBadPassphrase
		}
		plaintext, err := envelope.ParseLegacy(w.LegacyPrivateKey, s.ServerSecret)
		if err != nil {
			return nil, false, armerr.ErrCorruptEnvelope
		}
		defer envelope.Zero(plaintext)
		return s.migrateToProtected(w, plaintext, passphrase, aad)
	}

	if w.EnvelopeJSON == "" {
		return nil, false, armerr.ErrCorruptEnvelope
	}
	env, err := envelope.FromJSON(w.EnvelopeJSON)
	if err != nil {
		return nil, false, armerr.ErrCorruptEnvelope
	}

	if !w.IsProtected {
		if passphrase == "" {
			return nil, false, armerr.ErrBadPassphrase
		}
		plaintext, err := envelope.DecryptUnprotected(env, w.UserID, s.ServerSecret)
		if err != nil {
			return nil, false, err
		}
		defer envelope.Zero(plaintext)
		return s.migrateToProtected(w, plaintext, passphrase, aad)
	}

	if passphrase == "" {
		return nil, false, armerr.ErrBadPassphrase
	}
	dek, err = envelope.UnwrapDEK(env, passphrase, aad)
	if err != nil {
		return nil, false, err
	}
	return dek, false, nil
}

// migrateToProtected wraps plaintext under a fresh passphrase-derived
// envelope, persists it, and returns the new session DEK.
func (s *Server) migrateToProtected(w *storage.Wallet, plaintext []byte, passphrase string, aad []byte) ([]byte, bool, error) {
	env, err := envelope.EncryptSecret(plaintext, passphrase, aad)
	if err != nil {
		return nil, false, err
	}
	envJSON, err := envelope.ToJSON(env)
	if err != nil {
		return nil, false, err
	}
	w.EnvelopeJSON = envJSON
	w.IsProtected = true
	w.LegacyPrivateKey = ""
	w.DefaultPassphraseHash = env.PassphraseHash
	if err := s.DB.UpsertWallet(*w); err != nil {
		return nil, false, err
	}
	dek, err := envelope.UnwrapDEK(env, passphrase, aad)
	if err != nil {
		return nil, false, err
	}
	return dek, true, nil
}

func (s *Server) defaultTTLMin() int {
	if s.DefaultTTLMin <= 0 {
		return 240
	}
	return s.DefaultTTLMin
}

func (s *Server) scheduleAutoReturn(userID, walletID string, ttl time.Duration) {
	row, err := s.DB.GetAutoReturnConfig(userID)
	if err != nil || row == nil {
		return
	}
	cfg := autoreturn.Config{
		EnabledDefault:     row.EnabledDefault,
		DestPubkey:         row.DestPubkey,
		GraceSeconds:       row.GraceSeconds,
		SweepTokens:        row.SweepTokens,
		SolMinKeepLamports: row.SolMinKeepLamports,
		FeeBufferLamports:  row.FeeBufferLamports,
		ExcludeMints:       row.ExcludeMints,
	}
	s.AutoReturn.Schedule(userID, walletID, time.Now().Add(ttl), cfg, nil)
}

type extendRequest struct {
	WalletID   string `json:"walletId" binding:"required"`
	TTLMinutes int    `json:"ttlMinutes"`
}

func (s *Server) handleExtend(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if req.TTLMinutes < 1 {
		ttl = time.Duration(s.defaultTTLMin()) * time.Minute
	}
	if !s.Sessions.Extend(s.userID(c), req.WalletID, ttl) {
		writeErr(c, armerr.ErrAutomationNotArmed)
		return
	}
	s.scheduleAutoReturn(s.userID(c), req.WalletID, ttl)
	c.JSON(http.StatusOK, gin.H{"extendedToMinutes": int(ttl.Minutes())})
}

type disarmRequest struct {
	WalletID string `json:"walletId" binding:"required"`
}

func (s *Server) handleDisarm(c *gin.Context) {
	var req disarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	userID := s.userID(c)
	s.Sessions.Disarm(userID, req.WalletID)
	s.AutoReturn.Cancel(userID, req.WalletID)
	c.JSON(http.StatusOK, gin.H{"disarmed": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	walletID := c.Param("walletId")
	userID := s.userID(c)
	armed, msLeft := s.Sessions.Status(userID, walletID)

	resp := gin.H{"armed": armed, "msLeft": msLeft}
	if triggered := s.AutoReturn.ConsumeTriggered(userID, walletID); triggered {
		resp["autoReturnTriggered"] = true
	}
	if c.Query("guardian") == "1" && s.Guardian != nil {
		resp["guardian"] = s.Guardian.GuardianCount(userID, walletID)
	}
	c.JSON(http.StatusOK, resp)
}

type setupProtectionRequest struct {
	WalletID   string `json:"walletId" binding:"required"`
	Passphrase string `json:"passphrase" binding:"required"`
}

func (s *Server) handleSetupProtection(c *gin.Context) {
	var req setupProtectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	userID := s.userID(c)
	w, err := s.DB.GetWallet(userID, req.WalletID)
	if err != nil || w == nil {
		writeErr(c, armerr.ErrWalletNotFound)
		return
	}
	aad := envelope.AAD(userID, req.WalletID)
	dek, _, err := s.resolveArmDEK(w, req.Passphrase, aad)
	if err != nil {
		writeErr(c, err)
		return
	}
	// setup-protection migrates without arming, so the DEK is discarded
	// immediately rather than handed to the Session Cache.
	envelope.Zero(dek)
	c.JSON(http.StatusOK, gin.H{"migrated": true})
}

type removeProtectionRequest struct {
	WalletID   string `json:"walletId" binding:"required"`
	Passphrase string `json:"passphrase" binding:"required"`
}

// handleRemoveProtection re-writes a protected envelope back to the
// unprotected HKDF form, requiring the current passphrase to authorize it.
func (s *Server) handleRemoveProtection(c *gin.Context) {
	var req removeProtectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	userID := s.userID(c)
	w, err := s.DB.GetWallet(userID, req.WalletID)
	if err != nil || w == nil {
		writeErr(c, armerr.ErrWalletNotFound)
		return
	}
	if !w.IsProtected || w.EnvelopeJSON == "" {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	aad := envelope.AAD(userID, req.WalletID)
	env, err := envelope.FromJSON(w.EnvelopeJSON)
	if err != nil {
		writeErr(c, armerr.ErrCorruptEnvelope)
		return
	}
	dek, err := envelope.UnwrapDEK(env, req.Passphrase, aad)
	if err != nil {
		writeErr(c, err)
		return
	}
	plaintext, err := envelope.DecryptSecretWithDEK(env, dek, aad)
	envelope.Zero(dek)
	if err != nil {
		writeErr(c, armerr.ErrCorruptEnvelope)
		return
	}
	defer envelope.Zero(plaintext)

	unprotected, err := envelope.EncryptUnprotected(plaintext, userID, s.ServerSecret)
	if err != nil {
		writeErr(c, err)
		return
	}
	envJSON, err := envelope.ToJSON(unprotected)
	if err != nil {
		writeErr(c, err)
		return
	}
	w.EnvelopeJSON = envJSON
	w.IsProtected = false
	w.DefaultPassphraseHash = ""
	if err := s.DB.UpsertWallet(*w); err != nil {
		writeErr(c, err)
		return
	}
	s.Sessions.Disarm(userID, req.WalletID)
	s.AutoReturn.Cancel(userID, req.WalletID)
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

type requireArmRequest struct {
	WalletID string `json:"walletId" binding:"required"`
	Require  bool   `json:"require"`
}

func (s *Server) handleRequireArm(c *gin.Context) {
	var req requireArmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	if err := s.DB.SetRequireArm(s.userID(c), req.WalletID, req.Require); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requireArm": req.Require})
}

func (s *Server) handleGetAutoReturnSettings(c *gin.Context) {
	row, err := s.DB.GetAutoReturnConfig(s.userID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	if row == nil {
		c.JSON(http.StatusOK, gin.H{"enabledDefault": false})
		return
	}
	c.JSON(http.StatusOK, row)
}

type autoReturnSetupRequest struct {
	EnabledDefault     bool     `json:"enabledDefault"`
	DestPubkey         string   `json:"destPubkey"`
	GraceSeconds       int      `json:"graceSeconds"`
	SweepTokens        bool     `json:"sweepTokens"`
	SolMinKeepLamports int64    `json:"solMinKeepLamports"`
	FeeBufferLamports  int64    `json:"feeBufferLamports"`
	ExcludeMints       []string `json:"excludeMints"`
	USDCMints          []string `json:"usdcMints"`
}

func (s *Server) handleSetupAutoReturn(c *gin.Context) {
	var req autoReturnSetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, armerr.ErrInvalidInput)
		return
	}
	if req.DestPubkey != "" {
		if _, err := solana.PublicKeyFromBase58(req.DestPubkey); err != nil {
			writeErr(c, armerr.ErrInvalidInput)
			return
		}
	}
	userID := s.userID(c)
	row := storage.AutoReturnConfigRow{
		UserID:             userID,
		EnabledDefault:     req.EnabledDefault,
		DestPubkey:         req.DestPubkey,
		DestVerifiedAt:     time.Now().UnixMilli(),
		GraceSeconds:       req.GraceSeconds,
		SweepTokens:        req.SweepTokens,
		SolMinKeepLamports: req.SolMinKeepLamports,
		FeeBufferLamports:  req.FeeBufferLamports,
		ExcludeMints:       req.ExcludeMints,
		USDCMints:          req.USDCMints,
	}
	if err := s.DB.UpsertAutoReturnConfig(row); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
