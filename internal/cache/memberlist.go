package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-chat-mirror/internal/domain"
	"github.com/tbourn/go-chat-mirror/internal/observability"
)

// offlineGroupLimit is the size from which an "offline" group is left out
// of the display list.
const offlineGroupLimit = 100

type memberGroup struct {
	title   string
	members []*domain.GuildMember
}

// SyncMemberList applies a GUILD_MEMBER_LIST_UPDATE to the guild's display
// member list. SYNC operations rebuild the list from their items; the
// incremental operations are counted and logged but do not touch the list.
func (tx *Tx) SyncMemberList(u domain.MemberListUpdate) bool {
	g, ok := tx.guild(u.GuildID, "member list update")
	if !ok {
		return false
	}
	synced := false
	for _, op := range u.Ops {
		switch op.Op {
		case domain.MemberListSync:
			g.MemberList = tx.buildMemberList(g, op.Items)
			synced = true
		case domain.MemberListInsert, domain.MemberListUpdateOp, domain.MemberListDelete, domain.MemberListInvalidate:
			observability.MemberListOpsIgnored.WithLabelValues(op.Op).Inc()
			tx.log.Debug().Str("guild_id", g.ID.String()).Str("op", op.Op).Msg("member list op not applied")
		default:
			tx.log.Warn().Str("guild_id", g.ID.String()).Str("op", op.Op).Msg("unknown member list op")
		}
	}
	if synced {
		tx.record(Change{Op: OpSync, Entity: EntityMemberList, GuildID: g.ID})
	}
	return synced
}

func (tx *Tx) buildMemberList(g *domain.Guild, items []domain.MemberListItem) []domain.MemberListEntry {
	var (
		groups  []*memberGroup
		byID    = make(map[string]*memberGroup)
		seen    = make(map[snowflake.ID]bool)
		current *memberGroup
	)
	for _, item := range items {
		switch {
		case item.Group != nil:
			if grp, ok := byID[item.Group.ID]; ok {
				current = grp
				continue
			}
			current = &memberGroup{title: groupTitle(g, item.Group.ID)}
			byID[item.Group.ID] = current
			groups = append(groups, current)

		case item.Member != nil:
			if current == nil {
				tx.log.Debug().Str("guild_id", g.ID.String()).Msg("member list item before any group; skipped")
				continue
			}
			if item.Member.User == nil || seen[item.Member.User.ID] {
				continue
			}
			m, ok := tx.listMember(g, *item.Member)
			if !ok {
				continue
			}
			seen[item.Member.User.ID] = true
			current.members = append(current.members, m)
		}
	}

	fold := cases.Fold()
	offline := fold.String("offline")
	var out []domain.MemberListEntry
	for _, grp := range groups {
		n := len(grp.members)
		if n == 0 {
			continue
		}
		if n >= offlineGroupLimit && strings.HasPrefix(fold.String(grp.title), offline) {
			continue
		}
		sortByDisplayName(grp.members, fold)
		out = append(out, domain.MemberListEntry{Title: fmt.Sprintf("%s - %d", grp.title, n)})
		for _, m := range grp.members {
			out = append(out, domain.MemberListEntry{Member: m})
		}
	}
	return out
}

// listMember returns the cached member for the item's user, building it
// from the item when the guild does not know the member yet.
func (tx *Tx) listMember(g *domain.Guild, p domain.MemberPayload) (*domain.GuildMember, bool) {
	if m, ok := g.Members[p.User.ID]; ok {
		return m, true
	}
	return tx.buildMember(g, p)
}

// groupTitle is the role's name when the group id is a known role id, else
// the upper-cased group id.
func groupTitle(g *domain.Guild, id string) string {
	if rid, err := snowflake.Parse(id); err == nil {
		if r, ok := g.Roles[rid]; ok {
			return r.Name
		}
	}
	return cases.Upper(language.Und).String(id)
}

// sortByDisplayName orders members case-insensitively by their user's
// display name. Members without a name keep their relative order and
// follow the named ones.
func sortByDisplayName(members []*domain.GuildMember, fold cases.Caser) {
	type keyed struct {
		key string
		m   *domain.GuildMember
	}
	named := make([]keyed, 0, len(members))
	var unnamed []*domain.GuildMember
	for _, m := range members {
		name := ""
		if m.User != nil {
			name = m.User.DisplayName()
		}
		if name == "" {
			unnamed = append(unnamed, m)
			continue
		}
		named = append(named, keyed{key: fold.String(name), m: m})
	}
	sort.SliceStable(named, func(i, j int) bool { return named[i].key < named[j].key })

	i := 0
	for _, k := range named {
		members[i] = k.m
		i++
	}
	for _, m := range unnamed {
		members[i] = m
		i++
	}
}
