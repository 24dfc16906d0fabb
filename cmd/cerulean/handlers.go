package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cerulean-social/cerulean/engine"
	"github.com/cerulean-social/cerulean/models"

	"github.com/labstack/echo/v4"
)

type APIError struct {
	ErrStr  string `json:"error"`
	Message string `json:"message"`
}

type pairBody struct {
	SourceAccountID uint64 `json:"source_account_id"`
	TargetAccountID uint64 `json:"target_account_id"`
}

type followBody struct {
	pairBody
	Reblogs   *bool    `json:"reblogs,omitempty"`
	Notify    *bool    `json:"notify,omitempty"`
	Languages []string `json:"languages,omitempty"`
	URI       *string  `json:"uri,omitempty"`
}

func (b *followBody) opts() engine.FollowOpts {
	return engine.FollowOpts{
		Reblogs:   b.Reblogs,
		Notify:    b.Notify,
		Languages: b.Languages,
		URI:       b.URI,
	}
}

type followResponse struct {
	SourceAccountID uint64   `json:"source_account_id"`
	TargetAccountID uint64   `json:"target_account_id"`
	Reblogs         bool     `json:"reblogs"`
	Notify          bool     `json:"notify"`
	Languages       []string `json:"languages,omitempty"`
	URI             string   `json:"uri,omitempty"`
}

func (s *Service) handleFollow(c echo.Context) error {
	ctx := c.Request().Context()

	var body followBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	fol, err := s.engine.Follow(ctx, body.SourceAccountID, body.TargetAccountID, body.opts())
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}

	return c.JSON(http.StatusOK, followResponse{
		SourceAccountID: fol.SourceAccountID,
		TargetAccountID: fol.TargetAccountID,
		Reblogs:         fol.ShowReblogs,
		Notify:          fol.Notify,
		Languages:       fol.Languages,
		URI:             fol.URI,
	})
}

func (s *Service) handleUnfollow(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	removed, err := s.engine.Unfollow(ctx, body.SourceAccountID, body.TargetAccountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Service) handleRequestFollow(c echo.Context) error {
	ctx := c.Request().Context()

	var body followBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	req, err := s.engine.RequestFollow(ctx, body.SourceAccountID, body.TargetAccountID, body.opts())
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}

	return c.JSON(http.StatusOK, followResponse{
		SourceAccountID: req.SourceAccountID,
		TargetAccountID: req.TargetAccountID,
		Reblogs:         req.ShowReblogs,
		Notify:          req.Notify,
		Languages:       req.Languages,
		URI:             req.URI,
	})
}

func (s *Service) handleAcceptFollowRequest(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	fol, err := s.engine.AcceptFollowRequest(ctx, body.SourceAccountID, body.TargetAccountID)
	if err != nil {
		if errors.Is(err, engine.ErrFollowRequestNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "FollowRequestNotFound", Message: "no pending follow request for pair"})
		}
		return err
	}

	return c.JSON(http.StatusOK, followResponse{
		SourceAccountID: fol.SourceAccountID,
		TargetAccountID: fol.TargetAccountID,
		Reblogs:         fol.ShowReblogs,
		Notify:          fol.Notify,
		Languages:       fol.Languages,
		URI:             fol.URI,
	})
}

func (s *Service) handleRejectFollowRequest(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	removed, err := s.engine.RejectFollowRequest(ctx, body.SourceAccountID, body.TargetAccountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Service) handleBlock(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	if _, err := s.engine.Block(ctx, body.SourceAccountID, body.TargetAccountID); err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"blocking": true})
}

func (s *Service) handleUnblock(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	removed, err := s.engine.Unblock(ctx, body.SourceAccountID, body.TargetAccountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

type muteBody struct {
	pairBody
	Notifications *bool `json:"notifications,omitempty"`

	// zero means the mute never expires
	DurationSec int64 `json:"duration_sec,omitempty"`
}

func (s *Service) handleMute(c echo.Context) error {
	ctx := c.Request().Context()

	var body muteBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	notifications := true
	if body.Notifications != nil {
		notifications = *body.Notifications
	}

	mute, err := s.engine.Mute(ctx, body.SourceAccountID, body.TargetAccountID, notifications, time.Duration(body.DurationSec)*time.Second)
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"notifications": mute.HideNotifications,
		"expires_at":    mute.ExpiresAt,
	})
}

func (s *Service) handleUnmute(c echo.Context) error {
	ctx := c.Request().Context()

	var body pairBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	removed, err := s.engine.Unmute(ctx, body.SourceAccountID, body.TargetAccountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

type domainBlockBody struct {
	AccountID uint64 `json:"account_id"`
	Domain    string `json:"domain"`
}

func (s *Service) handleBlockDomain(c echo.Context) error {
	ctx := c.Request().Context()

	var body domainBlockBody
	if err := c.Bind(&body); err != nil || body.Domain == "" {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "domain field empty or invalid"})
	}

	if _, err := s.engine.BlockDomain(ctx, body.AccountID, body.Domain); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"blocking": true})
}

func (s *Service) handleUnblockDomain(c echo.Context) error {
	ctx := c.Request().Context()

	var body domainBlockBody
	if err := c.Bind(&body); err != nil || body.Domain == "" {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "domain field empty or invalid"})
	}

	removed, err := s.engine.UnblockDomain(ctx, body.AccountID, body.Domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

type relationshipView struct {
	ID                  uint64 `json:"id"`
	Following           bool   `json:"following"`
	FollowedBy          bool   `json:"followed_by"`
	Requested           bool   `json:"requested"`
	Blocking            bool   `json:"blocking"`
	BlockedBy           bool   `json:"blocked_by"`
	Muting              bool   `json:"muting"`
	MutingNotifications bool   `json:"muting_notifications"`
	DomainBlocking      bool   `json:"domain_blocking"`
	Notifying           bool   `json:"notifying"`
	ShowingReblogs      bool   `json:"showing_reblogs"`
}

// handleRelationships answers the classic "how does the viewer relate to
// each of these accounts" question in a constant number of queries.
func (s *Service) handleRelationships(c echo.Context) error {
	ctx := c.Request().Context()

	viewerID, err := strconv.ParseUint(c.QueryParam("viewer"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "viewer parameter missing or invalid"})
	}

	var candidateIDs []uint64
	for _, raw := range strings.Split(c.QueryParam("ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "ids parameter invalid"})
		}
		candidateIDs = append(candidateIDs, id)
	}
	if len(candidateIDs) == 0 {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "ids parameter missing"})
	}

	rel, err := s.engine.LoadRelationships(ctx, viewerID, candidateIDs)
	if err != nil {
		return err
	}

	out := make([]relationshipView, len(candidateIDs))
	for i, id := range candidateIDs {
		view := relationshipView{ID: id}
		if info, ok := rel.Following[id]; ok {
			view.Following = true
			view.Notifying = info.Notify
			view.ShowingReblogs = info.Reblogs
		}
		_, view.FollowedBy = rel.FollowedBy[id]
		_, view.Requested = rel.Requested[id]
		_, view.Blocking = rel.Blocking[id]
		_, view.BlockedBy = rel.BlockedBy[id]
		if info, ok := rel.Muting[id]; ok {
			view.Muting = true
			view.MutingNotifications = info.Notifications
		}
		_, view.DomainBlocking = rel.DomainBlocking[id]
		out[i] = view
	}

	return c.JSON(http.StatusOK, out)
}

func (s *Service) handleAccountStats(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "account id invalid"})
	}

	if _, err := s.engine.GetAccountByID(ctx, accountID); err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}

	stat, err := s.engine.GetStat(ctx, accountID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"account_id":      stat.AccountID,
		"followers_count": stat.FollowersCount,
		"following_count": stat.FollowingCount,
		"statuses_count":  stat.StatusesCount,
		"last_status_at":  stat.LastStatusAt,
	})
}

func (s *Service) handleFollowersHash(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "account id invalid"})
	}

	scope := c.QueryParam("scope")
	if scope == "" {
		scope = engine.LocalScope
	}

	digest, err := s.engine.FollowersHash(ctx, accountID, scope)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{
		"scope":  scope,
		"digest": digest,
	})
}

type suspendBody struct {
	AccountID uint64 `json:"account_id"`

	// "local" or "remote"; defaults to local
	Origin string `json:"origin,omitempty"`

	// salted canonical-email hash to block from re-registration; empty to skip
	EmailHash string `json:"email_hash,omitempty"`
}

func (s *Service) handleAdminSuspend(c echo.Context) error {
	ctx := c.Request().Context()

	var body suspendBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	origin := models.SuspensionOriginLocal
	if body.Origin == string(models.SuspensionOriginRemote) {
		origin = models.SuspensionOriginRemote
	}

	err := s.engine.Suspend(ctx, body.AccountID, time.Now().UTC(), origin, body.EmailHash)
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"suspended": true})
}

func (s *Service) handleAdminUnsuspend(c echo.Context) error {
	ctx := c.Request().Context()

	var body suspendBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	state, err := s.engine.SuspensionState(ctx, body.AccountID)
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}
	if state == models.SuspensionStatePermanent {
		return c.JSON(http.StatusConflict, APIError{ErrStr: "SuspensionPermanent", Message: "account deletion already processed"})
	}

	if err := s.engine.Unsuspend(ctx, body.AccountID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"suspended": false})
}

func (s *Service) handleAdminReconcileStats(c echo.Context) error {
	ctx := c.Request().Context()

	var body suspendBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "invalid request body"})
	}

	stat, err := s.engine.ReconcileStats(ctx, body.AccountID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"account_id":      stat.AccountID,
		"followers_count": stat.FollowersCount,
		"following_count": stat.FollowingCount,
		"statuses_count":  stat.StatusesCount,
	})
}

func (s *Service) handleAdminAccountState(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{ErrStr: "BadRequest", Message: "account id invalid"})
	}

	acc, err := s.engine.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, engine.ErrAccountNotFound) {
			return c.JSON(http.StatusNotFound, APIError{ErrStr: "AccountNotFound", Message: "account not found"})
		}
		return err
	}

	state, err := s.engine.SuspensionState(ctx, accountID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"account_id": acc.ID,
		"acct":       acc.Acct(),
		"state":      state,
		"moved":      acc.Moved(),
	})
}
