package probe

import (
	"context"
	"net"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/miekg/dns"
)

// 没有配置DNS服务器且无法读取resolv.conf时使用
const fallbackDNSServer = "8.8.8.8:53"

// dnsProbe 通过DNS查询确认依赖的域名可解析，例如编码助手的API域名
type dnsProbe struct {
	host   string
	server string
	client *dns.Client
}

func newDNSProbe(field string, spec config.ProbeConfig, opts Options) (Probe, error) {
	if err := requireField(field, "host", spec.Host); err != nil {
		return nil, err
	}

	server := spec.Address
	if server == "" {
		server = systemDNSServer()
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &dnsProbe{
		host:   dns.Fqdn(spec.Host),
		server: server,
		client: &dns.Client{
			Net:     "udp",
			Timeout: opts.Timeout,
		},
	}, nil
}

func (p *dnsProbe) Check(ctx context.Context) Outcome {
	msg := new(dns.Msg)
	msg.SetQuestion(p.host, dns.TypeA)
	msg.RecursionDesired = true

	resp, rtt, err := p.client.ExchangeContext(ctx, msg, p.server)
	if err != nil {
		return Fail("%v", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Fail("%s: %s", p.host, dns.RcodeToString[resp.Rcode])
	}
	if len(resp.Answer) == 0 {
		return Fail("%s: no answer", p.host)
	}
	return Ok("%s resolved via %s in %s", p.host, p.server, rtt)
}

// systemDNSServer 读取系统resolv.conf中的第一个DNS服务器
func systemDNSServer() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackDNSServer
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}
