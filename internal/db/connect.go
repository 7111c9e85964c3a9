package db

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/kelurahan/switchboard/internal/config"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the given server and database. An empty
// database selects none, which is used for CREATE DATABASE.
func DSN(m config.MySQLConfig, password string) string {
	c := mysql.NewConfig()
	c.User = m.User
	c.Passwd = password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	c.DBName = m.Database
	c.ParseTime = true
	return c.FormatDSN()
}

// Connect opens the sandbox database selected by cfg.Driver.
func Connect(cfg config.SandboxConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "mysql":
		return ConnectMySQL(cfg.MySQL, cfg.MySQL.Password())
	case "sqlite", "":
		return ConnectSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// ConnectMySQL opens a GORM connection to a MySQL-compatible server.
func ConnectMySQL(m config.MySQLConfig, password string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(DSN(m, password)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", m.Host, m.Port, m.Database, err)
	}
	return db, nil
}

// ConnectAdmin opens a connection to the MySQL server without selecting a
// database, used for CREATE DATABASE.
func ConnectAdmin(m config.MySQLConfig, password string) (*gorm.DB, error) {
	m.Database = ""
	db, err := gorm.Open(gormmysql.Open(DSN(m, password)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", m.Host, m.Port, err)
	}
	return db, nil
}

// ConnectSQLite opens a SQLite database. The pool is limited to one
// connection so ":memory:" databases are shared by every query.
func ConnectSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("db: enable foreign keys: %w", err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
