// Package mbtiles 只读瓦片档案读取器
// 档案是普通 sqlite 文件（tiles + metadata 两张表），可以安全并发读
package mbtiles

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Archive 一个打开的瓦片档案句柄
type Archive struct {
	db   *sql.DB
	path string
}

// Open 以只读方式打开档案
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&immutable=1", path))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	// sql.Open 是惰性的，先验证档案结构
	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='tiles'`).Scan(&name)
	if err != nil {
		db.Close()
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("open archive %s: no tiles table", path)
		}
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &Archive{db: db, path: path}, nil
}

// Path 档案文件路径
func (a *Archive) Path() string {
	return a.path
}

// ReadTile 按 xyz 坐标读取瓦片字节
// 档案内部行号是 TMS 方案，这里做翻转；瓦片不存在返回 (nil, nil)
func (a *Archive) ReadTile(z, x, y uint32) ([]byte, error) {
	flipped := (uint32(1) << z) - 1 - y
	var data []byte
	err := a.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, flipped,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d from %s: %w", z, x, y, a.path, err)
	}
	return data, nil
}

// Metadata 读取档案的键值元数据表
func (a *Archive) Metadata() (map[string]string, error) {
	rows, err := a.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("read metadata from %s: %w", a.path, err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// Close 关闭底层句柄
func (a *Archive) Close() error {
	return a.db.Close()
}
