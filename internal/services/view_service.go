package services

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-mirror/internal/cache"
	"github.com/tbourn/go-chat-mirror/internal/gateway"
	"github.com/tbourn/go-chat-mirror/internal/instance"
)

// ViewService renders read-only snapshots of the mirrored state.
type ViewService struct {
	Registry Registry
	Now      func() time.Time
}

// Instances summarizes every instance, ordered by domain.
func (s *ViewService) Instances(ctx context.Context) []InstanceView {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "Instances")
	defer span.End()

	if s.Registry == nil {
		return []InstanceView{}
	}
	all := s.Registry.Instances()
	out := make([]InstanceView, 0, len(all))
	for _, in := range all {
		out = append(out, instanceView(in))
	}
	return out
}

// Instance summarizes one instance.
func (s *ViewService) Instance(ctx context.Context, domainName string) (InstanceView, error) {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "Instance",
		trace.WithAttributes(attribute.String("instance.domain", domainName)),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return InstanceView{}, err
	}
	return instanceView(in), nil
}

// Guilds lists an instance's guilds ordered by id.
func (s *ViewService) Guilds(ctx context.Context, domainName string) ([]GuildSummary, error) {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "Guilds",
		trace.WithAttributes(attribute.String("instance.domain", domainName)),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, err
	}
	var out []GuildSummary
	in.Cache().View(func(v *cache.View) {
		gs := v.Guilds()
		out = make([]GuildSummary, 0, len(gs))
		for _, g := range gs {
			out = append(out, GuildSummary{
				ID:          g.ID,
				Name:        g.Name,
				Acronym:     g.Acronym(),
				Icon:        g.Icon,
				MemberCount: g.MemberCount,
				Channels:    len(g.Channels),
				Unavailable: g.Unavailable,
			})
		}
	})
	return out, nil
}

// Guild returns one guild with its channels and roles.
func (s *ViewService) Guild(ctx context.Context, domainName string, guildID snowflake.ID) (GuildView, error) {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "Guild",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("guild.id", guildID.String()),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return GuildView{}, err
	}
	var (
		out   GuildView
		found bool
	)
	in.Cache().View(func(v *cache.View) {
		if g, ok := v.Guild(guildID); ok {
			out, found = guildView(g, v.Domain()), true
		}
	})
	if !found {
		return GuildView{}, ErrGuildNotFound
	}
	return out, nil
}

// MemberList returns the guild's display member list as last synced.
func (s *ViewService) MemberList(ctx context.Context, domainName string, guildID snowflake.ID) ([]MemberListRow, error) {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "MemberList",
		trace.WithAttributes(
			attribute.String("instance.domain", domainName),
			attribute.String("guild.id", guildID.String()),
		),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	var (
		out   []MemberListRow
		found bool
	)
	in.Cache().View(func(v *cache.View) {
		entries, ok := v.MemberList(guildID)
		if !ok {
			return
		}
		found = true
		g, _ := v.Guild(guildID)
		out = memberListRows(g, v.Domain(), entries, now)
	})
	if !found {
		return nil, ErrGuildNotFound
	}
	return out, nil
}

// PrivateChannels lists the instance's DM and group DM channels.
func (s *ViewService) PrivateChannels(ctx context.Context, domainName string) ([]ChannelView, error) {
	_, span := otel.Tracer("services/ViewService").Start(ctx, "PrivateChannels",
		trace.WithAttributes(attribute.String("instance.domain", domainName)),
	)
	defer span.End()

	in, err := s.instance(domainName)
	if err != nil {
		return nil, err
	}
	var out []ChannelView
	in.Cache().View(func(v *cache.View) {
		chs := v.PrivateChannels()
		out = make([]ChannelView, 0, len(chs))
		for _, ch := range chs {
			out = append(out, channelView(ch, v.Domain()))
		}
	})
	return out, nil
}

func (s *ViewService) instance(domainName string) (*instance.Instance, error) {
	if s.Registry == nil {
		return nil, ErrInstanceNotFound
	}
	in, ok := s.Registry.Lookup(domainName)
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return in, nil
}

func instanceView(in *instance.Instance) InstanceView {
	conns := in.Connections()
	v := InstanceView{
		Domain:      in.Domain(),
		Connections: make([]gateway.Status, 0, len(conns)),
		Queued:      in.Queue().Len(),
	}
	for _, c := range conns {
		v.Connections = append(v.Connections, c.Status())
	}
	in.Cache().View(func(cv *cache.View) {
		v.Guilds = len(cv.Guilds())
		v.PrivateChannels = len(cv.PrivateChannels())
		v.Users = cv.UserCount()
	})
	return v
}
