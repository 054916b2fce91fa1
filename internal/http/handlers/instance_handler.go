// Instance HTTP handlers.
//
// Read-only endpoints over the mirrored cache:
//   - GET /instances
//   - GET /instances/{domain}
//   - GET /instances/{domain}/guilds
//   - GET /instances/{domain}/guilds/{guild}
//   - GET /instances/{domain}/guilds/{guild}/member-list
//   - GET /instances/{domain}/private-channels
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-mirror/internal/services"
)

// ListInstancesResponse wraps every instance with its connection statuses.
type ListInstancesResponse struct {
	Instances []services.InstanceView `json:"instances"`
}

// ListGuildsResponse wraps the guild summaries of one instance.
type ListGuildsResponse struct {
	Guilds []services.GuildSummary `json:"guilds"`
}

// MemberListResponse is the rendered member sidebar of a guild.
type MemberListResponse struct {
	Rows []services.MemberListRow `json:"rows"`
}

// ListChannelsResponse wraps private channels.
type ListChannelsResponse struct {
	Channels []services.ChannelView `json:"channels"`
}

// ListInstances returns every instance ordered by domain.
func (h *Handlers) ListInstances(c *gin.Context) {
	ok(c, http.StatusOK, ListInstancesResponse{Instances: h.viewSvc.Instances(c.Request.Context())})
}

// GetInstance returns one instance.
func (h *Handlers) GetInstance(c *gin.Context) {
	v, err := h.viewSvc.Instance(c.Request.Context(), c.Param("domain"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// ListGuilds returns the guild summaries of an instance.
func (h *Handlers) ListGuilds(c *gin.Context) {
	gs, err := h.viewSvc.Guilds(c.Request.Context(), c.Param("domain"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListGuildsResponse{Guilds: gs})
}

// GetGuild returns a guild with its channels and roles.
func (h *Handlers) GetGuild(c *gin.Context) {
	guildID, valid := idParam(c, "guild")
	if !valid {
		return
	}
	g, err := h.viewSvc.Guild(c.Request.Context(), c.Param("domain"), guildID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, g)
}

// GetMemberList returns the guild's member list in display order: group
// titles followed by their members.
func (h *Handlers) GetMemberList(c *gin.Context) {
	guildID, valid := idParam(c, "guild")
	if !valid {
		return
	}
	rows, err := h.viewSvc.MemberList(c.Request.Context(), c.Param("domain"), guildID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, MemberListResponse{Rows: rows})
}

// ListPrivateChannels returns the instance's DM and group DM channels.
func (h *Handlers) ListPrivateChannels(c *gin.Context) {
	chs, err := h.viewSvc.PrivateChannels(c.Request.Context(), c.Param("domain"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListChannelsResponse{Channels: chs})
}
