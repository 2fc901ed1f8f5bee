package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はエージェント（タイマーとローカルAPI）を起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandLeaderboard はリーダーボードを1回取得して表示することを示す。
	CommandLeaderboard Command = "leaderboard"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "leaderboard":
		return CommandLeaderboard
	default:
		return CommandServe
	}
}
