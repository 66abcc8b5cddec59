// Package feedwatch は通知フィードを端末に表示するコマンドを提供する。
package feedwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/clubhub/internal/feed"
	"github.com/nao1215/clubhub/internal/feed/pollsource"
	"github.com/nao1215/clubhub/internal/feed/wssource"
	"github.com/nao1215/clubhub/internal/feedview"
	"github.com/nao1215/clubhub/pkg/config"
	"github.com/nao1215/clubhub/pkg/httpclient"
	"github.com/nao1215/clubhub/pkg/session"
	"github.com/spf13/cobra"
)

// イベントソースの種類。
const (
	sourceWebSocket = "ws"
	sourcePolling   = "poll"
)

// refreshInterval は残り時間の表示を更新する間隔。
const refreshInterval = time.Second

// clearScreen はカーソルを先頭に戻して画面を消去するエスケープシーケンス。
const clearScreen = "\033[H\033[2J"

// ErrUnknownSource は未知のイベントソースが指定された場合のエラー。
var ErrUnknownSource = errors.New("未知のイベントソースです")

// options はコマンドラインフラグの値。
type options struct {
	gatewayURL      string
	notificationURL string
	eventStoreURL   string
	token           string
	source          string
	window          time.Duration
	interval        time.Duration
}

// Execute は設定を読み込み、feedwatchコマンドを実行する。
func Execute() error {
	cfg, err := config.Load("feedwatch")
	if err != nil {
		return err
	}
	return newRootCmd(cfg).ExecuteContext(context.Background())
}

// newRootCmd はフラグのデフォルト値を設定から取ったルートコマンドを返す。
func newRootCmd(cfg config.Config) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "feedwatch",
		Short: "クラブの通知をリアルタイムに表示する",
		Long: "Gatewayでメンバーを確認し、通知サービスのストリームまたはEvent Storeのポーリングで" +
			"届いた通知を一定時間だけ表示する。",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.gatewayURL, "gateway", cfg.GatewayURL, "GatewayのURL")
	flags.StringVar(&opts.notificationURL, "notification", cfg.NotificationURL, "通知サービスのURL (--source ws)")
	flags.StringVar(&opts.eventStoreURL, "eventstore", cfg.EventStoreURL, "Event StoreのURL (--source poll)")
	flags.StringVar(&opts.token, "token", os.Getenv("CLUBHUB_TOKEN"), "JWTトークン。省略時は開発用トークンを発行する")
	flags.StringVar(&opts.source, "source", sourceWebSocket, "イベントソース (ws|poll)")
	flags.DurationVar(&opts.window, "window", cfg.FeedWindow, "通知を表示し続ける時間")
	flags.DurationVar(&opts.interval, "interval", cfg.PollInterval, "ポーリング間隔 (--source poll)")
	return cmd
}

// run は購読を開始し、ctxが終了するまで表示中リストを描画し続ける。
// イベントソースが配信を終えた場合は最後の状態を描画してその原因を返す。
func run(ctx context.Context, out io.Writer, opts options) error {
	token := opts.token
	if token == "" {
		issued, err := issueDevToken(ctx, opts.gatewayURL)
		if err != nil {
			return err
		}
		token = issued
	}

	sess, err := loadSession(ctx, opts.gatewayURL, token)
	if err != nil {
		return err
	}

	src, err := newSource(opts, sess)
	if err != nil {
		return err
	}

	ctrl := feed.New(src, sess,
		feed.WithWindow(opts.window),
		feed.WithErrorHandler(func(err error) {
			log.Printf("[feedwatch] %v", err)
		}),
	)
	dispose, err := ctrl.Start(ctx)
	if err != nil {
		return err
	}
	defer dispose()

	render := func() {
		fmt.Fprint(out, clearScreen+feedview.Render(feedview.Frame{
			Member: sess.DisplayName,
			Topic:  ctrl.Topic(),
			State:  ctrl.State(),
			Window: ctrl.Window(),
			Now:    time.Now(),
			Items:  ctrl.Visible(),
		}))
	}
	render()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.Done():
			render()
			if ctx.Err() != nil {
				return nil
			}
			return ctrl.Err()
		case <-ctrl.Updates():
			render()
		case <-ticker.C:
			render()
		}
	}
}

// newSource はフラグに応じたイベントソースを返す。
func newSource(opts options, sess session.Session) (feed.Source, error) {
	switch opts.source {
	case sourceWebSocket:
		return wssource.New(opts.notificationURL, sess), nil
	case sourcePolling:
		return pollsource.New(opts.eventStoreURL, sess, pollsource.WithInterval(opts.interval)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, opts.source)
	}
}

// profileResponse はGatewayのプロフィールAPIのレスポンス。
type profileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// loadSession はGatewayからプロフィールを取得してセッションを組み立てる。
func loadSession(ctx context.Context, gatewayURL, token string) (session.Session, error) {
	client := httpclient.New(gatewayURL, httpclient.WithBearerToken(token))

	var profile profileResponse
	if err := client.GetJSON(ctx, "/api/v1/profile", &profile); err != nil {
		return session.Session{}, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}

	sess := session.Session{UserID: profile.ID, DisplayName: profile.DisplayName, Token: token}
	if !sess.Valid() {
		return session.Session{}, errors.New("プロフィールにメンバーIDが含まれていません")
	}
	return sess, nil
}

// devTokenResponse はGatewayの開発用トークン発行APIのレスポンス。
type devTokenResponse struct {
	Token string `json:"token"`
}

// issueDevToken はGatewayから開発用トークンを発行する。
func issueDevToken(ctx context.Context, gatewayURL string) (string, error) {
	var resp devTokenResponse
	if err := httpclient.New(gatewayURL).PostJSON(ctx, "/auth/dev-token", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("開発用トークンの発行に失敗: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("開発用トークンが空です")
	}
	log.Printf("[feedwatch] 開発用トークンを発行しました")
	return resp.Token, nil
}
