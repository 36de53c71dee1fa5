package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// options 命令行参数
type options struct {
	start      bool
	stop       bool
	status     bool
	verbose    bool
	trigger    string
	action     string
	export     string
	output     string
	reset      string
	mode       string
	initConfig bool
	dryRun     bool
	gentle     bool
	configFile string
	addr       string
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("recovery", pflag.ContinueOnError)

	fs.BoolVar(&opts.start, "start", false, "启动监控守护进程（前台运行）")
	fs.BoolVar(&opts.stop, "stop", false, "停止运行中的守护进程")
	fs.BoolVar(&opts.status, "status", false, "查看服务健康状态")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "输出详细信息")
	fs.StringVar(&opts.trigger, "trigger", "", "人工触发指定服务的恢复")
	fs.StringVar(&opts.action, "action", "", "人工触发使用的动作: restart|cleanup|repair")
	fs.StringVar(&opts.export, "export", "", "导出恢复日志: json|csv|html")
	fs.StringVarP(&opts.output, "output", "o", "", "导出目录")
	fs.StringVar(&opts.reset, "reset", "", "重置处于failed的服务")
	fs.StringVar(&opts.mode, "mode", "", "切换恢复模式: passive|standard|aggressive")
	fs.BoolVar(&opts.initConfig, "init-config", false, "写入默认配置文件")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "演练模式，只记录不执行")
	fs.BoolVar(&opts.gentle, "gentle", false, "重启时只发送SIGTERM")
	fs.StringVarP(&opts.configFile, "config", "c", "", "配置文件路径")
	fs.StringVar(&opts.addr, "addr", "", "控制API地址，默认取配置中的api.listen_address:api.port")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return opts, fs, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行一个命令并返回退出码
func run(args []string) int {
	opts, fs, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		return 2
	}

	switch {
	case opts.initConfig:
		return cmdInitConfig(opts)
	case opts.start:
		return cmdStart(opts)
	case opts.stop:
		return cmdStop(opts)
	case opts.trigger != "":
		return cmdTrigger(opts)
	case opts.export != "":
		return cmdExport(opts)
	case opts.reset != "":
		return cmdReset(opts)
	case opts.mode != "" || fs.Changed("dry-run"):
		return cmdMode(opts, fs.Changed("dry-run"))
	case opts.status:
		return cmdStatus(opts)
	default:
		fmt.Fprintln(os.Stderr, "用法: recovery [选项]")
		fs.PrintDefaults()
		return 2
	}
}
