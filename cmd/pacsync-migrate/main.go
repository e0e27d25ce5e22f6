package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/pacsync", "Pacsync data directory")
	compact    = flag.Bool("compact", false, "Rewrite the database to reclaim free pages")
	backupPath = flag.String("backup", "", "Backup path before compaction (default: <data-dir>/pacsync.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Pacsync Embedded Store Maintenance Tool")
	log.Println("=======================================")

	dbPath := filepath.Join(*dataDir, "pacsync.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}
	log.Printf("Database: %s", dbPath)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	if err := inspect(db); err != nil {
		db.Close()
		log.Fatalf("Inspection failed: %v", err)
	}

	if !*compact {
		db.Close()
		log.Println("\nRun with --compact to rewrite the database and reclaim space.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		db.Close()
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("✓ Backup created successfully")

	compactPath := dbPath + ".compact"
	dst, err := bolt.Open(compactPath, 0600, nil)
	if err != nil {
		db.Close()
		log.Fatalf("Failed to create compacted database: %v", err)
	}

	log.Println("Compacting...")
	if err := bolt.Compact(dst, db, 0); err != nil {
		dst.Close()
		db.Close()
		os.Remove(compactPath)
		log.Fatalf("Compaction failed: %v", err)
	}
	dst.Close()
	db.Close()

	if err := os.Rename(compactPath, dbPath); err != nil {
		log.Fatalf("Failed to replace database: %v", err)
	}
	log.Println("✓ Compaction completed successfully")
	log.Printf("Original preserved at %s", backupFile)
}

func inspect(db *bolt.DB) error {
	log.Println("\nBucket inventory:")
	return db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			count := 0
			b.ForEach(func(k, v []byte) error {
				count++
				return nil
			})
			log.Printf("  %-18s %d records", name, count)
			return nil
		})
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
