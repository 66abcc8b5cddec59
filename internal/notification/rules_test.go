package notification

import (
	"testing"
	"time"

	"github.com/nao1215/clubhub/pkg/event"
)

func mustEvent(t *testing.T, eventType event.Type, data any) *event.Event {
	t.Helper()
	e, err := event.New("agg-1", event.AggregateTypeClub, eventType, 0, data)
	if err != nil {
		t.Fatalf("イベントの生成に失敗: %v", err)
	}
	return e
}

func TestDraftsFor(t *testing.T) {
	t.Parallel()

	t.Run("TaskAssignedは担当者に通知されること", func(t *testing.T) {
		t.Parallel()

		due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		e := mustEvent(t, event.TypeTaskAssigned, event.TaskAssignedData{
			Title: "会場予約", AssigneeID: "user-2", AssignedBy: "user-1", DueAt: &due,
		})

		drafts, err := draftsFor(e)
		if err != nil {
			t.Fatalf("draftsFor()でエラーが発生: %v", err)
		}
		if len(drafts) != 1 {
			t.Fatalf("len(drafts) = %d, want 1", len(drafts))
		}
		d := drafts[0]
		if d.UserID != "user-2" {
			t.Errorf("UserID = %q, want user-2", d.UserID)
		}
		if d.Message != "「会場予約」が割り当てられました（期限: 2026-05-01）" {
			t.Errorf("Message = %q", d.Message)
		}
		if d.SourceEventID != e.ID+":user-2" {
			t.Errorf("SourceEventID = %q", d.SourceEventID)
		}
	})

	t.Run("ContributionRecordedは拠出したメンバーに通知されること", func(t *testing.T) {
		t.Parallel()

		e := mustEvent(t, event.TypeContributionRecorded, event.ContributionRecordedData{
			MemberID: "user-3", AmountMinor: 1250, Currency: "eur", Purpose: "年会費",
		})

		drafts, err := draftsFor(e)
		if err != nil {
			t.Fatalf("draftsFor()でエラーが発生: %v", err)
		}
		if len(drafts) != 1 || drafts[0].UserID != "user-3" {
			t.Fatalf("drafts = %+v", drafts)
		}
		if want := "12.50 EURの拠出を記録しました（年会費）"; drafts[0].Message != want {
			t.Errorf("Message = %q, want %q", drafts[0].Message, want)
		}
	})

	t.Run("ChatMessagePostedはメンションされたメンバーに通知され送信者は除かれること", func(t *testing.T) {
		t.Parallel()

		e := mustEvent(t, event.TypeChatMessagePosted, event.ChatMessagePostedData{
			SenderID: "user-1", SenderName: "Alice", Body: "明日よろしく",
			MentionedUserIDs: []string{"user-2", "user-1", "user-3", "user-2", ""},
		})

		drafts, err := draftsFor(e)
		if err != nil {
			t.Fatalf("draftsFor()でエラーが発生: %v", err)
		}
		if len(drafts) != 2 {
			t.Fatalf("len(drafts) = %d, want 2", len(drafts))
		}
		if drafts[0].UserID != "user-2" || drafts[1].UserID != "user-3" {
			t.Errorf("宛先 = [%s %s], want [user-2 user-3]", drafts[0].UserID, drafts[1].UserID)
		}
		if drafts[0].Title != "Aliceさんからのメンション" || drafts[0].Message != "明日よろしく" {
			t.Errorf("drafts[0] = %+v", drafts[0])
		}
		if drafts[0].SourceEventID == drafts[1].SourceEventID {
			t.Error("宛先ごとのSourceEventIDが同じになっている")
		}
	})

	t.Run("通知対象外のイベントは無視されること", func(t *testing.T) {
		t.Parallel()

		for _, eventType := range []event.Type{event.TypeExpenseRecorded, event.TypeProfileUpdated, event.TypeNotificationSent} {
			drafts, err := draftsFor(mustEvent(t, eventType, map[string]string{}))
			if err != nil || drafts != nil {
				t.Errorf("%s: drafts = %+v, err = %v", eventType, drafts, err)
			}
		}
	})

	t.Run("データが壊れている場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		e := mustEvent(t, event.TypeTaskAssigned, nil)
		e.Data = []byte(`{"assignee_id": 1}`)
		if _, err := draftsFor(e); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{minor: 1250, currency: "EUR", want: "12.50 EUR"},
		{minor: 5, currency: "usd", want: "0.05 USD"},
		{minor: -199, currency: "EUR", want: "-1.99 EUR"},
		{minor: 3000, currency: "JPY", want: "3000 JPY"},
	}
	for _, tt := range tests {
		if got := formatAmount(tt.minor, tt.currency); got != tt.want {
			t.Errorf("formatAmount(%d, %q) = %q, want %q", tt.minor, tt.currency, got, tt.want)
		}
	}
}
