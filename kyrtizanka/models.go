//nolint:lll // struct tags can't be split
package kyrtizanka

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnUserID         = "id"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
	columnUserUpdatedAt  = "updated_at"
)

// User is a record of a Discord user the bot has seen in an interaction.
// See: https://discord.com/developers/docs/resources/user
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	Bot bool `json:"bot" gorm:"type:bool"`

	// Rating is the user's social rating, changed by other users
	Rating int64 `json:"rating" gorm:"default:0"`

	// Coins are spent and earned through community features
	Coins int64 `json:"coins" gorm:"default:0"`

	// LastSeen is the last time this user was seen in a Discord
	// interaction, in unix milliseconds
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	Timestamps
}

func NewUser(u discordgo.User) *User {
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
	)
}

// RatingRateLimit stops a user from changing another user's rating
// again until ExpiresAt.
type RatingRateLimit struct {
	SerialID
	FromUserID string `json:"from_user_id" gorm:"index:idx_rating_pair,unique;not null"`
	ToUserID   string `json:"to_user_id" gorm:"index:idx_rating_pair,unique;not null"`
	ExpiresAt  int64  `json:"expires_at" gorm:"index"`
	Timestamps
}

// Experience is a user's chat activity level within a guild
type Experience struct {
	SerialID
	UserID  string `json:"user_id" gorm:"index:idx_experience_member,unique;not null"`
	GuildID string `json:"guild_id" gorm:"index:idx_experience_member,unique;not null"`
	Points  int64  `json:"points" gorm:"default:0"`
	Level   int    `json:"level" gorm:"default:0"`
	Timestamps
}

// Meme is a message posted in a meme channel, scored by reactions
type Meme struct {
	SerialID
	MessageID string `json:"message_id" gorm:"uniqueIndex;not null"`
	ChannelID string `json:"channel_id" gorm:"index"`
	AuthorID  string `json:"author_id" gorm:"index;not null"`
	Score     int64  `json:"score" gorm:"default:0"`
	Timestamps
}

// Tag is a named snippet of text a guild's members can recall by name
type Tag struct {
	SerialID
	GuildID  string `json:"guild_id" gorm:"index:idx_tag_name,unique;not null"`
	Name     string `json:"name" gorm:"index:idx_tag_name,unique;not null"`
	Content  string `json:"content" gorm:"type:text"`
	AuthorID string `json:"author_id" gorm:"index"`
	Timestamps
}

// RepMessage links a bot message to the user whose reputation it
// reports, so reactions to it can be attributed.
type RepMessage struct {
	SerialID
	MessageID string `json:"message_id" gorm:"uniqueIndex;not null"`
	UserID    string `json:"user_id" gorm:"index;not null"`
	Timestamps
}
