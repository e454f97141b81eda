// Package testenv resolves the environment variables that the integration
// tests need to reach a live voice server.
//
// The engine joins with a pre-negotiated session: the host's main gateway
// normally supplies it, so a live test needs one captured from a real
// client — the session ID and endpoint/token pair of a bot user that is
// sitting in a voice channel.
package testenv

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/discord"
)

// ConnectTime bounds how long an integration test may spend joining voice.
const ConnectTime = 30 * time.Second

type Env struct {
	Endpoint  string
	Token     string
	SessionID string
	GuildID   discord.GuildID
	UserID    discord.UserID
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the integration environment, skipping the test when any of the
// variables are missing.
func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	// A .env file beside the test is the easiest way to carry a captured
	// session across runs.
	godotenv.Load()

	endpoint := os.Getenv("VOICE_ENDPOINT")
	if endpoint == "" {
		globalErr = errors.New("missing $VOICE_ENDPOINT")
		return
	}

	token := os.Getenv("VOICE_TOKEN")
	if token == "" {
		globalErr = errors.New("missing $VOICE_TOKEN")
		return
	}

	session := os.Getenv("VOICE_SESSION_ID")
	if session == "" {
		globalErr = errors.New("missing $VOICE_SESSION_ID")
		return
	}

	gid := os.Getenv("GUILD_ID")
	if gid == "" {
		globalErr = errors.New("missing $GUILD_ID")
		return
	}

	guildID, err := discord.ParseSnowflake(gid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $GUILD_ID")
		return
	}

	uid := os.Getenv("USER_ID")
	if uid == "" {
		globalErr = errors.New("missing $USER_ID")
		return
	}

	userID, err := discord.ParseSnowflake(uid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $USER_ID")
		return
	}

	globalEnv = Env{
		Endpoint:  endpoint,
		Token:     token,
		SessionID: session,
		GuildID:   discord.GuildID(guildID),
		UserID:    discord.UserID(userID),
	}
}
