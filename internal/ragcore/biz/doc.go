// Package biz 提供 RAG 查询服务的业务逻辑层。
//
// 该包采用分层架构，将业务逻辑拆分为以下组件：
//   - QueryOptimizer: 负责查询校验与改写（缩写展开、空白清理）
//   - Retriever: 负责租户内向量检索
//   - Assembler: 负责上下文组装（过滤、去重、token 预算）
//   - Indexer: 负责文档索引（并行嵌入、写入向量索引）
//   - Orchestrator: 查询状态机，驱动检索、组装、生成、持久化
//   - Service: 组合以上组件，提供统一的服务接口
package biz
