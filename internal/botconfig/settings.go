package botconfig

import (
	"os"
	"strings"
)

// Settings is the operator-supplied environment surface. Unlike the
// profile, these are fixed at deploy time.
type Settings struct {
	CaseLanguage     string // one of zh, ja, ko, en
	SupportRegion    string // en or cn
	WhitelistEnabled bool
	BotEndpoint      string // feishu or lark
}

func SettingsFromEnv() Settings {
	lang := strings.TrimSpace(os.Getenv("CASE_LANGUAGE"))
	switch lang {
	case "zh", "ja", "ko", "en":
	default:
		lang = "zh"
	}

	region := strings.TrimSpace(os.Getenv("SUPPORT_REGION"))
	if region != "cn" {
		region = "en"
	}

	return Settings{
		CaseLanguage:     lang,
		SupportRegion:    region,
		WhitelistEnabled: os.Getenv("ENABLE_USER_WHITELIST") == "true",
		BotEndpoint:      strings.TrimSpace(os.Getenv("BOT_ENDPOINT")),
	}
}
