package relay

import (
	"errors"
	"fmt"

	"github.com/suPer8Hu/handoff/internal/handoff"
)

// Render turns an event into the chat text shown to recipientID. It returns
// "" when the recipient is not meant to see anything for this event.
func Render(recipientID string, ev handoff.Event) string {
	toUser := recipientID == ev.UserID

	switch ev.Type {
	case handoff.EventRequestQueued:
		if toUser {
			return "正在等待超级管理员👤接入...\n(注意：恶意转人工将会被拉黑)"
		}
		// the "(id)" lets an operator accept by quoting this message
		return fmt.Sprintf("用户(%s) 请求转人工", ev.UserID)

	case handoff.EventRequestCancelled:
		if toUser {
			return "好的，我现在是人机啦！"
		}
		return fmt.Sprintf("❗用户(%s) 已取消人工请求", ev.UserID)

	case handoff.EventAccepted:
		if toUser {
			return fmt.Sprintf("超级管理员👤:%s\n已接入对话⚠️⚠️⚠️\n(请用简洁的话描述所遇到的问题)", ev.OperatorID)
		}
		return fmt.Sprintf("已接入用户(%s)，接下来我将转发你的消息给对方，请开始对话：", ev.UserID)

	case handoff.EventSessionClosed:
		switch ev.Reason {
		case handoff.ReasonOperatorClosed:
			if toUser {
				return "超级管理员👤已结束对话"
			}
		case handoff.ReasonUserClosed:
			if !toUser {
				return fmt.Sprintf("用户(%s)已结束对话", ev.UserID)
			}
		case handoff.ReasonExpired:
			if toUser {
				return "长时间无人接入，人工请求已自动取消"
			}
		}
	}
	return ""
}

// Reply is the text answered to the actor of a chat command.
func Reply(inv handoff.Invocation, sess *handoff.Session, err error) string {
	if err != nil {
		return errorText(inv, err)
	}
	switch inv.Command {
	case handoff.CommandRequest, handoff.CommandCancel:
		// the event to the user carries the text
		return ""
	case handoff.CommandAccept:
		return "好的，接下来我将转发你的消息给对方，请开始对话："
	case handoff.CommandClose:
		if inv.Role == handoff.RoleOperator {
			return fmt.Sprintf("已结束与用户(%s)的对话", sess.UserID)
		}
		return "已结束对话，我现在是人机啦！"
	}
	return ""
}

func errorText(inv handoff.Invocation, err error) string {
	switch {
	case errors.Is(err, handoff.ErrDuplicateRequest):
		return "⚠ 您已在等待接入或正在对话"
	case errors.Is(err, handoff.ErrNoActiveRequest):
		if inv.Command == handoff.CommandAccept {
			return fmt.Sprintf("用户(%s)未请求人工", inv.TargetUserID)
		}
		return "当前没有等待中的人工请求"
	case errors.Is(err, handoff.ErrQueueEmpty):
		return "当前没有用户在等待"
	case errors.Is(err, handoff.ErrOperatorBusy):
		return "您正在与其他用户对话，请先结束对话"
	case errors.Is(err, handoff.ErrNoActiveSession):
		return "当前无对话需要结束"
	case errors.Is(err, handoff.ErrNotAuthorized):
		return "无权执行该操作"
	default:
		return "系统繁忙，请稍后再试"
	}
}
