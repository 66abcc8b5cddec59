// Package feedview は通知フィードの表示中リストを端末向けに描画する。
package feedview

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/nao1215/clubhub/internal/feed"
)

// boxWidth は通知1件分の枠の幅。
const boxWidth = 60

var (
	accent = lipgloss.Color("#2563EB")
	dim    = lipgloss.Color("#6B7280")
	online = lipgloss.Color("#22C55E")
	alert  = lipgloss.Color("#EF4444")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	dimStyle    = lipgloss.NewStyle().Foreground(dim)
	titleStyle  = lipgloss.NewStyle().Bold(true)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1).
			Width(boxWidth)
	subscribedStyle   = lipgloss.NewStyle().Foreground(online)
	unsubscribedStyle = lipgloss.NewStyle().Foreground(alert)
)

// Frame は1回の描画に必要な情報。
type Frame struct {
	// Member は購読しているメンバーの表示名。
	Member string
	// Topic は購読中のトピック名。
	Topic string
	// State はコントローラの購読状態。
	State feed.State
	// Window は通知の表示時間。残り時間の計算に使用する。
	Window time.Duration
	// Now は描画時点の時刻。
	Now time.Time
	// Items は到着順の表示中リスト。
	Items []feed.Notification
}

// Render は表示中リストを描画した文字列を返す。
func Render(f Frame) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("clubhub 通知"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s (%s)", f.Member, f.Topic)))
	b.WriteString("  ")
	b.WriteString(renderState(f.State))
	b.WriteString("\n\n")

	if len(f.Items) == 0 {
		b.WriteString(dimStyle.Render("  通知はありません"))
		b.WriteString("\n")
		return b.String()
	}

	for _, n := range f.Items {
		b.WriteString(renderItem(n, f.remaining(n)))
		b.WriteString("\n")
	}
	return b.String()
}

func renderState(s feed.State) string {
	if s == feed.StateSubscribed {
		return subscribedStyle.Render("● 購読中")
	}
	return unsubscribedStyle.Render("○ 未購読")
}

func renderItem(n feed.Notification, remaining time.Duration) string {
	var lines []string
	if n.Title != "" {
		lines = append(lines, titleStyle.Render(n.Title))
	}
	lines = append(lines, n.Message)
	lines = append(lines, dimStyle.Render(fmt.Sprintf("%s 受信 / 残り%d秒",
		n.ReceivedAt.Local().Format("15:04:05"), ceilSeconds(remaining))))
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// remaining は通知が消えるまでの残り時間を返す。
func (f Frame) remaining(n feed.Notification) time.Duration {
	left := f.Window - f.Now.Sub(n.ReceivedAt)
	if left < 0 {
		return 0
	}
	return left
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
