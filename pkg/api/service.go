package api

import (
	"context"

	"flowguard/internal/config"
	"flowguard/internal/logger"
	"flowguard/internal/service"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// Service 服务接口，供拦截引擎嵌入检测管道
type Service interface {
	// Run 运行后台清理，直到 ctx 结束
	Run(ctx context.Context)

	// HandleRequest 登记请求并检测请求体，返回需由拦截引擎携带的 flow id
	HandleRequest(req *traffic.Request) model.FlowID

	// HandleResponse 按 flow id 合并响应并检测响应体
	HandleResponse(id model.FlowID, resp *traffic.Response) error

	// ReloadRules 重新加载规则，返回生效的规则数
	ReloadRules() (int, error)

	// Stats 获取统计信息
	Stats() model.PipelineStats

	// Close 清空待处理请求并关闭 sink
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	s, err := service.New(cfg, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}
