package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/wwwzy/nyc311bot/internal/storage"
	"gorm.io/gorm"
)

func main() {
	path := flag.String("db", "nyc311bot.db", "sqlite 文件路径")
	flag.Parse()

	db, err := gorm.Open(sqlite.Open(*path), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying nyc311bot Database ---")

	// 表可能尚未迁移，先检查是否存在
	var turnsCount int64
	if !db.Migrator().HasTable(&storage.ChatTurn{}) {
		fmt.Println("Table 'chat_turns' does not exist yet.")
	} else {
		db.Model(&storage.ChatTurn{}).Count(&turnsCount)
		fmt.Printf("Total Chat Turns: %d\n", turnsCount)

		if turnsCount > 0 {
			var turns []storage.ChatTurn
			db.Order("created_at desc").Limit(5).Find(&turns)
			fmt.Println("Latest 5 Turns (Local Time):")
			for _, t := range turns {
				fmt.Printf("  [%s] %s blocked=%t rows=%d %s\n",
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"), t.SessionID, t.Blocked, t.RowCount, shorten(t.Question))
			}
		}
	}

	fmt.Println("\n------------------------------------")

	var auditCount int64
	if !db.Migrator().HasTable(&storage.AuditRecord{}) {
		fmt.Println("Table 'audit_records' does not exist yet.")
	} else {
		db.Model(&storage.AuditRecord{}).Count(&auditCount)
		fmt.Printf("Total Audit Records: %d\n", auditCount)

		if auditCount > 0 {
			var recs []storage.AuditRecord
			db.Order("created_at desc").Limit(5).Find(&recs)
			fmt.Println("Latest 5 Audit Records (Local Time):")
			for _, r := range recs {
				fmt.Printf("  [%s] %s [%s] %s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Action, r.Status, shorten(r.ParamsJSON))
			}
		}
	}
}

func shorten(s string) string {
	if len(s) > 50 {
		return s[:47] + "..."
	}
	return s
}
