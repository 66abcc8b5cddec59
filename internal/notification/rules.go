package notification

import (
	"fmt"
	"strings"

	"github.com/nao1215/clubhub/pkg/event"
)

// zeroDecimalCurrencies は補助単位を持たない通貨。
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

// draftsFor はクラブ活動イベントから通知の下書きを生成する。
// 通知の対象外のイベントの場合はnilを返す。
func draftsFor(e *event.Event) ([]Draft, error) {
	switch e.EventType {
	case event.TypeTaskAssigned:
		data, err := event.DecodeData[event.TaskAssignedData](e)
		if err != nil {
			return nil, err
		}
		if data.AssigneeID == "" {
			return nil, nil
		}
		message := fmt.Sprintf("「%s」が割り当てられました", data.Title)
		if data.DueAt != nil {
			message += fmt.Sprintf("（期限: %s）", data.DueAt.Format("2006-01-02"))
		}
		return []Draft{{
			UserID:        data.AssigneeID,
			Title:         "新しいタスク",
			Message:       message,
			SourceEventID: sourceKey(e, data.AssigneeID),
		}}, nil

	case event.TypeContributionRecorded:
		data, err := event.DecodeData[event.ContributionRecordedData](e)
		if err != nil {
			return nil, err
		}
		if data.MemberID == "" {
			return nil, nil
		}
		message := fmt.Sprintf("%sの拠出を記録しました", formatAmount(data.AmountMinor, data.Currency))
		if data.Purpose != "" {
			message += fmt.Sprintf("（%s）", data.Purpose)
		}
		return []Draft{{
			UserID:        data.MemberID,
			Title:         "拠出金の記録",
			Message:       message,
			SourceEventID: sourceKey(e, data.MemberID),
		}}, nil

	case event.TypeChatMessagePosted:
		data, err := event.DecodeData[event.ChatMessagePostedData](e)
		if err != nil {
			return nil, err
		}
		sender := data.SenderName
		if sender == "" {
			sender = data.SenderID
		}

		var drafts []Draft
		seen := make(map[string]bool, len(data.MentionedUserIDs))
		for _, userID := range data.MentionedUserIDs {
			if userID == "" || userID == data.SenderID || seen[userID] {
				continue
			}
			seen[userID] = true
			drafts = append(drafts, Draft{
				UserID:        userID,
				Title:         sender + "さんからのメンション",
				Message:       data.Body,
				SourceEventID: sourceKey(e, userID),
			})
		}
		return drafts, nil
	}
	return nil, nil
}

// sourceKey はイベントと宛先から通知の重複防止キーを作る。
func sourceKey(e *event.Event, userID string) string {
	return e.ID + ":" + userID
}

// formatAmount は最小通貨単位の金額を表示用の文字列にする。
func formatAmount(minor int64, currency string) string {
	currency = strings.ToUpper(currency)
	if zeroDecimalCurrencies[currency] {
		return fmt.Sprintf("%d %s", minor, currency)
	}

	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return strings.TrimSpace(fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency))
}
