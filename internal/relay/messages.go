package relay

import "strings"

type MessageKey string

const (
	MsgInsufficientCredits MessageKey = "insufficient_credits"
	MsgServerError         MessageKey = "server_error"
	MsgStreamFailed        MessageKey = "stream_failed"
	MsgEmptyResponse       MessageKey = "empty_response"
	MsgTimeout             MessageKey = "timeout"
	MsgRateLimited         MessageKey = "rate_limited"
	MsgUnavailable         MessageKey = "unavailable"

	MsgInvalidBody            MessageKey = "invalid_body"
	MsgDreamRequired          MessageKey = "dream_required"
	MsgDreamTooLong           MessageKey = "dream_too_long"
	MsgInterpretationRequired MessageKey = "interpretation_required"
	MsgInterpretationTooLong  MessageKey = "interpretation_too_long"
	MsgInvalidLanguage        MessageKey = "invalid_language"
)

var messages = map[string]map[MessageKey]string{
	"en": {
		MsgInsufficientCredits: "You are out of credits. Top up or claim your daily bonus to continue.",
		MsgServerError:         "Something went wrong on our side. Please try again.",
		MsgStreamFailed:        "The interpretation was interrupted. Please try again.",
		MsgEmptyResponse:       "No interpretation came back this time. Please try again.",
		MsgTimeout:             "The interpretation is taking too long. Please try again.",
		MsgRateLimited:         "Too many requests. Please wait a minute and try again.",
		MsgUnavailable:         "The dream interpreter is unavailable right now. Please try again later.",

		MsgInvalidBody:            "The request could not be read.",
		MsgDreamRequired:          "Please describe your dream.",
		MsgDreamTooLong:           "Your dream description is too long. Please shorten it to 4000 characters.",
		MsgInterpretationRequired: "Guidance needs the interpretation of your dream.",
		MsgInterpretationTooLong:  "The interpretation is too long to use for guidance.",
		MsgInvalidLanguage:        "The requested language is not valid.",
	},
	"zh": {
		MsgInsufficientCredits: "积分不足，请充值或领取每日奖励后继续。",
		MsgServerError:         "服务器出了点问题，请稍后再试。",
		MsgStreamFailed:        "解梦过程被中断，请重试。",
		MsgEmptyResponse:       "这次没有得到解读结果，请重试。",
		MsgTimeout:             "解读时间过长，请重试。",
		MsgRateLimited:         "请求过于频繁，请一分钟后再试。",
		MsgUnavailable:         "解梦服务暂时不可用，请稍后再试。",

		MsgInvalidBody:            "无法读取请求内容。",
		MsgDreamRequired:          "请描述你的梦境。",
		MsgDreamTooLong:           "梦境描述过长，请缩短到4000字以内。",
		MsgInterpretationRequired: "获取建议需要先提供解梦结果。",
		MsgInterpretationTooLong:  "解梦结果过长，无法用于生成建议。",
		MsgInvalidLanguage:        "语言参数无效。",
	},
}

// Message returns the user-facing text for key in lang, falling back to English.
func Message(lang string, key MessageKey) string {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if m, ok := messages[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return messages["en"][key]
}
