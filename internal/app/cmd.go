package app

// Command はバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"       // APIサーバー（既定）
	CommandWorker      Command = "worker"      // 期限切れセッションの掃除
	CommandMigrate     Command = "migrate"     // スキーマ適用
	CommandHealthcheck Command = "healthcheck" // distroless用のヘルスチェック
	CommandMerge       Command = "merge"       // tsudoi merge <keepUserID> <mergeUserID>
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
	string(CommandMerge):       CommandMerge,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なしや未知の値はserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// Initializes はConfigの読み込みとロガー設定が必要なコマンドかを返す。
// healthcheckはコンテナ内で頻繁に実行されるためSERVER_PORTだけで動く。
func (c Command) Initializes() bool {
	return c != CommandHealthcheck
}
