// Package store 提供 RAG 查询服务的数据存储层。
//
// 该包定义了租户隔离的向量索引和只追加的会话存储接口，
// 分别由 Milvus 分区和 Redis List 实现。
package store
