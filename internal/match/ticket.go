// Package match 实现匹配队列与服务器配对
package match

import "time"

// TicketStatus 匹配票据状态
type TicketStatus int

const (
	TicketPending   TicketStatus = iota // 排队中
	TicketMatched                       // 已分配服务器，等待确认窗口
	TicketConfirmed                     // 已确认，进入对局
	TicketCancelled                     // 已取消
	TicketTimedOut                      // 等待超时
)

// String 返回状态名
func (s TicketStatus) String() string {
	switch s {
	case TicketPending:
		return "pending"
	case TicketMatched:
		return "matched"
	case TicketConfirmed:
		return "confirmed"
	case TicketCancelled:
		return "cancelled"
	case TicketTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ticket 匹配票据（内部可变，由 Matchmaker.mu 保护）
type ticket struct {
	id              string
	playerIDs       []string // 有序：发起者在前
	gameMode        string
	preferredRegion string

	skillMin int
	skillMax int

	status           TicketStatus
	assignedServerID string

	createdAt  time.Time
	matchedAt  time.Time
	resolvedAt time.Time
}

// Ticket 票据快照（只读）
type Ticket struct {
	ID               string       `json:"id"`
	PlayerIDs        []string     `json:"player_ids"`
	GameMode         string       `json:"game_mode"`
	PreferredRegion  string       `json:"preferred_region,omitempty"`
	SkillMin         int          `json:"skill_min"`
	SkillMax         int          `json:"skill_max"`
	Status           TicketStatus `json:"-"`
	StatusName       string       `json:"status"`
	AssignedServerID string       `json:"assigned_server_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	MatchedAt        time.Time    `json:"matched_at,omitempty"`
}

func (t *ticket) view() Ticket {
	return Ticket{
		ID:               t.id,
		PlayerIDs:        append([]string(nil), t.playerIDs...),
		GameMode:         t.gameMode,
		PreferredRegion:  t.preferredRegion,
		SkillMin:         t.skillMin,
		SkillMax:         t.skillMax,
		Status:           t.status,
		StatusName:       t.status.String(),
		AssignedServerID: t.assignedServerID,
		CreatedAt:        t.createdAt,
		MatchedAt:        t.matchedAt,
	}
}

// RatingSource 玩家评分来源
// 评分存储是外部协作方，这里只定义读取口径
type RatingSource interface {
	Rating(playerID string) int
}

// DefaultRating 无评分数据时的缺省评分
const DefaultRating = 1000

// StaticRatings 内存评分表（开发/测试用）
type StaticRatings map[string]int

// Rating 返回玩家评分，缺失时为 DefaultRating
func (r StaticRatings) Rating(playerID string) int {
	if v, ok := r[playerID]; ok {
		return v
	}
	return DefaultRating
}

// skillRange 计算队伍技能区间：各成员 rating±band 的交集（最窄带）
func skillRange(ratings RatingSource, playerIDs []string, band int) (int, int) {
	lo, hi := 0, 0
	for i, pid := range playerIDs {
		r := ratings.Rating(pid)
		if i == 0 {
			lo, hi = r-band, r+band
			continue
		}
		if r-band > lo {
			lo = r - band
		}
		if r+band < hi {
			hi = r + band
		}
	}
	return lo, hi
}
