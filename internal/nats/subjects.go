package nats

// NATS Subject 常量定义
const (
	// SubjectNodeRelayPrefix 跨节点转发前缀
	// 完整格式: im.chat.node.{node_id}.relay
	SubjectNodeRelayPrefix = "im.chat.node."
	SubjectNodeRelaySuffix = ".relay"

	// SubjectPush 离线推送旁路，由推送服务以队列组消费
	SubjectPush = "im.chat.push"
)

// BuildNodeRelaySubject 构建节点转发 Subject
func BuildNodeRelaySubject(nodeID string) string {
	return SubjectNodeRelayPrefix + nodeID + SubjectNodeRelaySuffix
}
