// API Gatewayのエントリポイント。
// 医療モニタリングプラットフォームで外部からアクセス可能な唯一のサービスであり、
// トークン検証、アクセス制御、レート制限を行ったうえで各サービスへ転送する。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
