package handler

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"geoattend/internal/auth"
	"geoattend/internal/model"
	"geoattend/internal/refimage"
)

type registerRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name" binding:"required"`
	Department     string `json:"department"`
	RollNumber     string `json:"roll_number"`
	Role           string `json:"role" binding:"omitempty,oneof=student instructor admin"`
	ReferenceImage string `json:"reference_image"`
}

type registerResponse struct {
	User   model.User     `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// RegisterUser creates a user and returns a token pair for it. Students may
// register themselves; instructors and admins need an admin caller unless
// registration is open.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Role == "" {
		req.Role = model.RoleStudent
	}
	if req.Role != model.RoleStudent && !h.OpenRegistration && !h.callerIsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only an admin may register " + req.Role + "s"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx := c.Request.Context()
	existing, err := h.repo.GetUser(ctx, req.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
		return
	}

	user := model.User{
		ID:         req.ID,
		Name:       strings.TrimSpace(req.Name),
		Department: req.Department,
		RollNumber: req.RollNumber,
		Role:       req.Role,
		CreatedAt:  h.Clock.Now().UTC(),
	}
	if req.ReferenceImage != "" {
		data, err := refimage.DecodeDataURL(req.ReferenceImage)
		if err != nil {
			badRequest(c, err)
			return
		}
		if user.ReferenceImage, err = h.Images.Save(ctx, user.ID, data); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.repo.UpsertUser(ctx, user); err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := h.Signer.Issue(user.ID, user.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Log.Info("user registered", zap.String("user_id", user.ID), zap.String("role", user.Role))
	c.JSON(http.StatusCreated, registerResponse{User: user, Tokens: tokens})
}

// callerIsAdmin checks an optional bearer token on a public route.
func (h *Handler) callerIsAdmin(c *gin.Context) bool {
	authz := c.GetHeader("Authorization")
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return false
	}
	claims, err := h.Signer.Parse(strings.TrimSpace(authz[len("bearer "):]))
	return err == nil && claims.Kind == auth.KindAccess && claims.Role == model.RoleAdmin
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshToken exchanges a refresh token for a new pair.
func (h *Handler) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tokens, err := h.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// UploadReferenceImage replaces a user's reference face image. It accepts a
// multipart "photo" file or a JSON body {"image": "<data URL or base64>"}.
func (h *Handler) UploadReferenceImage(c *gin.Context) {
	userID := c.Param("id")
	caller := identity(c)
	if caller.UserID != userID && caller.Role != model.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	data, err := readImage(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	user, err := h.repo.GetUser(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	ref, err := h.Images.Save(ctx, userID, data)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.repo.SetReferenceImage(ctx, userID, ref); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference_image": ref})
}

type imageRequest struct {
	Image string `json:"image" binding:"required"`
}

func readImage(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("photo")
		if err != nil {
			return nil, errors.Wrap(err, "photo file required")
		}
		if fh.Size > refimage.MaxImageBytes {
			return nil, errors.Errorf("photo exceeds %d bytes", refimage.MaxImageBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, refimage.MaxImageBytes+1))
	}
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return decodeImage(req.Image)
}

// decodeImage accepts a data URL or bare base64.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		return refimage.DecodeDataURL(s)
	}
	return base64.StdEncoding.DecodeString(s)
}
