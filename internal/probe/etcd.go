package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdProbe 检查etcd集群状态，适用于会话存储放在etcd的部署
type etcdProbe struct {
	cfg clientv3.Config

	mu     sync.Mutex
	client *clientv3.Client
}

func newEtcdProbe(field string, spec config.ProbeConfig, opts Options) (Probe, error) {
	endpoints := spec.Endpoints
	if len(endpoints) == 0 {
		endpoints = opts.Etcd.Endpoints
	}
	if len(endpoints) == 0 {
		return nil, config.NewConfigError(field+".endpoints", "不能为空")
	}

	dialTimeout := opts.Timeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	return &etcdProbe{
		cfg: clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: dialTimeout,
			Username:    opts.Etcd.Username,
			Password:    opts.Etcd.Password,
		},
	}, nil
}

// connect 懒加载客户端，失败时下次探测重试
func (p *etcdProbe) connect() (*clientv3.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := clientv3.New(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *etcdProbe) Check(ctx context.Context) Outcome {
	client, err := p.connect()
	if err != nil {
		return Fail("%v", err)
	}

	endpoint := p.cfg.Endpoints[0]
	resp, err := client.Status(ctx, endpoint)
	if err != nil {
		return Fail("etcd健康检查失败: %v", err)
	}
	return Ok("etcd %s version %s", endpoint, resp.Version)
}

// Close 关闭etcd连接
func (p *etcdProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
