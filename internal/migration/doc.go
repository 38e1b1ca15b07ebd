// 版权所有 2025 ScanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package migration 提供缓存持久层的数据库 Schema 迁移。
//
// 迁移 SQL 按方言内嵌在二进制中（postgres、mysql、sqlite），
// 通过 golang-migrate 的 iofs 源执行。SQLite 使用 glebarez 纯 Go
// 驱动，默认部署无需 cgo。
//
// 典型用法:
//
//	m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	if err := m.Up(ctx); err != nil {
//	    return err
//	}
//
// 配置中 Database.AutoMigrate 打开时，门面在构建 DATABASE 磁盘层
// 前会自动执行 Up。
package migration
