package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/immxrtalbeast/guest_signaling/internal/api/http/converter"
	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/service"
)

type GuestController struct {
	directory  service.DirectoryInteractor
	invites    service.InviteInteractor
	iceServers []webrtc.ICEServer
}

func NewGuestController(directory service.DirectoryInteractor, invites service.InviteInteractor, stunServers []string) *GuestController {
	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, u := range stunServers {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return &GuestController{
		directory:  directory,
		invites:    invites,
		iceServers: servers,
	}
}

func (c *GuestController) Online(ctx *gin.Context) {
	guests := c.directory.Online(ctx.Request.Context())
	ctx.JSON(http.StatusOK, gin.H{
		"guests": converter.GuestsToApi(guests),
		"count":  len(guests),
	})
}

func (c *GuestController) Search(ctx *gin.Context) {
	guests, err := c.directory.Search(ctx.Request.Context(), ctx.Query("query"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrEmptyQuery) {
			status = http.StatusBadRequest
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"guests": converter.GuestsToApi(guests),
		"count":  len(guests),
	})
}

func (c *GuestController) SendInvite(ctx *gin.Context) {
	type request struct {
		FromID   string `json:"fromId" binding:"required"`
		FromName string `json:"fromName"`
		ToID     string `json:"toId" binding:"required"`
		Type     string `json:"type"`
	}

	var req request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	invite, err := c.invites.Send(req.FromID, req.FromName, req.ToID, domain.CallType(req.Type))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidInvite) {
			status = http.StatusBadRequest
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"invite": converter.InviteToApi(invite)})
}

func (c *GuestController) GetInvites(ctx *gin.Context) {
	userID := strings.TrimSpace(ctx.Param("userID"))
	if userID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"invites": converter.InvitesToApi(c.invites.Drain(userID))})
}

func (c *GuestController) ICEServers(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"iceServers": c.iceServers})
}
