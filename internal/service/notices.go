package service

import "fmt"

// User-visible notice texts. HTML formatting per the transport's parse mode.
const (
	noticePleaseWait          = "⏳ Please wait, you are sending messages too fast"
	noticeTimeoutReset        = "Starting new dialog due to timeout ✅"
	noticeNewDialog           = "Starting new dialog ✅"
	noticeMessageTooLarge     = "🥲 Your message is too long, please shorten it and try again"
	noticeCompletionFailed    = "Something went wrong during completion. Reason: %s"
	noticeInsufficientBalance = "Insufficient tokens: %d. Use /balance to top up"
	noticeSlowDown            = "⚠️ Too many messages, slowing down. The rest of the answer will arrive with the next turn's pace"
	noticeAnswerSplit         = "✂️ <i>Note:</i> The answer was too long and was split into several messages"
	noticeNoRetry             = "No message to retry 🤷‍♂️"
)

// droppedNotice tells the user that the dialog no longer fits the context
// window and its earliest messages were forgotten.
func droppedNotice(n int) string {
	if n == 1 {
		return "✍️ <i>Note:</i> Your current dialog is too long, so your <b>first message</b> was removed from the context.\nSend /new command to start new dialog"
	}
	return fmt.Sprintf("✍️ <i>Note:</i> Your current dialog is too long, so <b>%d first messages</b> were removed from the context.\nSend /new command to start new dialog", n)
}
