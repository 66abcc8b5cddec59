// 通知フィードを端末に表示するCLIのエントリポイント。
package main

import (
	"fmt"
	"os"

	"github.com/nao1215/clubhub/internal/feedwatch"
)

func main() {
	if err := feedwatch.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "feedwatch: %v\n", err)
		os.Exit(1)
	}
}
