// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"github.com/stacklok/betterauth/pkg/apierror"
	"github.com/stacklok/betterauth/pkg/db"
	"github.com/stacklok/betterauth/pkg/endpoint"
	"github.com/stacklok/betterauth/pkg/schema"
	"github.com/stacklok/betterauth/pkg/session"
)

// handleUpdateUser updates the signed-in user's mutable profile fields.
func (s *Service) handleUpdateUser(c *endpoint.Context) (any, error) {
	var body struct {
		Name  *string `json:"name,omitempty"`
		Image *string `json:"image,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}

	update := db.Record{}
	if body.Name != nil {
		if *body.Name == "" {
			return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "name can not be empty")
		}
		update["name"] = *body.Name
	}
	if body.Image != nil {
		update["image"] = *body.Image
	}
	if len(update) == 0 {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "nothing to update")
	}
	update["updatedAt"] = s.now().UTC()

	_, u, _ := session.FromContext(c)
	updated, err := s.rt.Adapter.Update(c.Context(), schema.ModelUser,
		[]db.Where{db.Eq("id", u.ID)}, update)
	if err != nil {
		return nil, apierror.Internal("failed to update user", err)
	}
	session.MarkDirty(c)
	return map[string]any{"user": session.UserFromRecord(updated).PublicView()}, nil
}

// handleChangeEmail starts an email change. When the current address is
// verified, a token carrying updateTo goes to the current address for
// confirmation; unverified users switch immediately.
func (s *Service) handleChangeEmail(c *endpoint.Context) (any, error) {
	var body struct {
		NewEmail    string `json:"newEmail"`
		CallbackURL string `json:"callbackURL,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if !validEmail(body.NewEmail) {
		return nil, apierror.BadRequest(apierror.CodeInvalidEmail)
	}
	body.NewEmail = normalizeEmail(body.NewEmail)

	_, u, _ := session.FromContext(c)
	if body.NewEmail == u.Email {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeEmailCannotBeUpdated, "new email matches the current one")
	}

	ctx := c.Context()
	if taken, err := s.findUserByEmail(ctx, body.NewEmail); err != nil {
		return nil, apierror.Internal("failed to look up user", err)
	} else if taken != nil {
		return nil, apierror.Unprocessable(apierror.CodeUserAlreadyExists)
	}

	if !u.EmailVerified {
		if _, err := s.rt.Adapter.Update(ctx, schema.ModelUser,
			[]db.Where{db.Eq("id", u.ID)},
			db.Record{"email": body.NewEmail, "updatedAt": s.now().UTC()}); err != nil {
			return nil, apierror.Internal("failed to update email", err)
		}
		session.MarkDirty(c)
		return map[string]any{"status": true}, nil
	}

	if s.cfg.SendVerificationEmail == nil {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeEmailCannotBeUpdated, "verification email delivery is not configured")
	}
	// Confirmation goes to the address on file, carrying the new one.
	if err := s.sendVerificationEmail(c, u.Email, body.NewEmail, body.CallbackURL); err != nil {
		return nil, apierror.Internal("failed to send verification email", err)
	}
	return map[string]any{"status": true}, nil
}

// handleDeleteUser removes the signed-in user. Password re-verification is
// required when a credential account exists. Sessions, accounts, and related
// rows cascade.
func (s *Service) handleDeleteUser(c *endpoint.Context) (any, error) {
	var body struct {
		Password string `json:"password,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}

	_, u, _ := session.FromContext(c)
	ctx := c.Context()
	account, err := s.credentialAccount(ctx, u.ID)
	if err != nil {
		return nil, apierror.Internal("failed to look up account", err)
	}
	if account != nil {
		hash, _ := account["password"].(string)
		ok, err := s.cfg.Hasher.Verify(body.Password, hash)
		if err != nil || !ok {
			return nil, apierror.BadRequest(apierror.CodeInvalidPassword)
		}
	}

	if err := s.sessions.DeleteUserSessions(ctx, u.ID); err != nil {
		return nil, apierror.Internal("failed to revoke sessions", err)
	}
	err = s.rt.Adapter.Transaction(ctx, func(tx db.Adapter) error {
		// Backends without ON DELETE CASCADE still need the children gone.
		if _, err := tx.DeleteMany(ctx, schema.ModelAccount, []db.Where{db.Eq("userId", u.ID)}); err != nil {
			return err
		}
		if _, err := tx.DeleteMany(ctx, schema.ModelSession, []db.Where{db.Eq("userId", u.ID)}); err != nil {
			return err
		}
		// Reset tokens, pending second factors, and trusted devices all
		// store the user id as the row value.
		if _, err := tx.DeleteMany(ctx, schema.ModelVerification, []db.Where{db.Eq("value", u.ID)}); err != nil {
			return err
		}
		if phone, _ := u.Extra["phoneNumber"].(string); phone != "" {
			if _, err := tx.DeleteMany(ctx, schema.ModelVerification,
				[]db.Where{db.Eq("identifier", phoneOTPPrefix+phone)}); err != nil {
				return err
			}
		}
		if s.cfg.CascadeTwoFactor {
			if _, err := tx.DeleteMany(ctx, schema.ModelTwoFactor, []db.Where{db.Eq("userId", u.ID)}); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, schema.ModelUser, []db.Where{db.Eq("id", u.ID)})
	})
	if err != nil {
		return nil, apierror.Internal("failed to delete user", err)
	}

	session.MarkRevoked(c)
	return map[string]any{"success": true}, nil
}

// handleListAccounts returns the signed-in user's linked accounts without
// token material.
func (s *Service) handleListAccounts(c *endpoint.Context) (any, error) {
	_, u, _ := session.FromContext(c)
	records, err := s.rt.Adapter.FindMany(c.Context(), schema.ModelAccount, db.FindManyOptions{
		Where: []db.Where{db.Eq("userId", u.ID)},
	})
	if err != nil {
		return nil, apierror.Internal("failed to list accounts", err)
	}

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"id":         r["id"],
			"providerId": r["providerId"],
			"accountId":  r["accountId"],
			"scope":      r["scope"],
			"createdAt":  r["createdAt"],
			"updatedAt":  r["updatedAt"],
		})
	}
	return out, nil
}

// handleUnlinkAccount removes a linked account, refusing to orphan the user
// by removing the last one.
func (s *Service) handleUnlinkAccount(c *endpoint.Context) (any, error) {
	var body struct {
		ProviderID string `json:"providerId"`
		AccountID  string `json:"accountId,omitempty"`
	}
	if err := c.BindBody(&body); err != nil {
		return nil, err
	}
	if body.ProviderID == "" {
		return nil, apierror.New(apierror.KindBadRequest, apierror.CodeInvalidBody, "providerId is required")
	}

	_, u, _ := session.FromContext(c)
	ctx := c.Context()
	all, err := s.rt.Adapter.FindMany(ctx, schema.ModelAccount, db.FindManyOptions{
		Where: []db.Where{db.Eq("userId", u.ID)},
	})
	if err != nil {
		return nil, apierror.Internal("failed to list accounts", err)
	}
	if len(all) <= 1 {
		return nil, apierror.BadRequest(apierror.CodeLastAccount)
	}

	where := []db.Where{db.Eq("userId", u.ID), db.Eq("providerId", body.ProviderID)}
	if body.AccountID != "" {
		where = append(where, db.Eq("accountId", body.AccountID))
	}
	target, err := s.rt.Adapter.FindOne(ctx, schema.ModelAccount, where)
	if err != nil {
		return nil, apierror.Internal("failed to find account", err)
	}
	if target == nil {
		return nil, apierror.NotFound(apierror.CodeAccountNotFound)
	}
	if err := s.rt.Adapter.Delete(ctx, schema.ModelAccount, []db.Where{db.Eq("id", target["id"])}); err != nil {
		return nil, apierror.Internal("failed to unlink account", err)
	}
	return map[string]any{"status": true}, nil
}
