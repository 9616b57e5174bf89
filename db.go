/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"os"
	"path"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

/* Persistent store and restore

The DB holds pool allocated NAT bindings so a restart hands the same public
address back to the same private endpoint. On start up the current DB is
renamed aside and read directly without locking, surviving entries are
re-saved into a fresh DB. Runtime updates go through the DB channel, the
workers never touch bolt themselves.

Restored bindings sit in a claim map until the first packet of the flow
shows up, at which point the allocator picks the binding up instead of
drawing a fresh pair. Entries whose pool no longer exists after the config
load are discarded.
*/

const (
	dbname  = "fabgw.db"
	bindbkt = "bindings" // vni|proto|priv -> kind|pub
)

var db *bolt.DB  // current DB
var rdb *bolt.DB // restore DB

const (
	DB_SAVE = iota + 1
	DB_DEL
)

type DbReq struct {
	op    int
	vni   uint32
	kind  int
	proto byte
	priv  IpPort
	pub   IpPort
}

var dbchan = make(chan DbReq, 128)

func bind_key(vni uint32, proto byte, priv IpPort) []byte {

	key := make([]byte, 0, 4+1+16+2)
	key = be.AppendUint32(key, vni)
	key = append(key, proto)
	key = append(key, priv.ip.AsSlice()...)
	key = be.AppendUint16(key, priv.port)
	return key
}

func bind_val(kind int, pub IpPort) []byte {

	val := make([]byte, 0, 1+16+2)
	val = append(val, byte(kind))
	val = append(val, pub.ip.AsSlice()...)
	val = be.AppendUint16(val, pub.port)
	return val
}

func parse_bind_key(key []byte) (vni uint32, proto byte, priv IpPort, ok bool) {

	if len(key) != 4+1+4+2 && len(key) != 4+1+16+2 {
		return
	}
	vni = be.Uint32(key[:4])
	proto = key[4]
	priv.ip = IPFromSlice(key[5 : len(key)-2])
	priv.port = be.Uint16(key[len(key)-2:])
	ok = true
	return
}

func parse_bind_val(val []byte) (kind int, pub IpPort, ok bool) {

	if len(val) != 1+4+2 && len(val) != 1+16+2 {
		return
	}
	kind = int(val[0])
	pub.ip = IPFromSlice(val[1 : len(val)-2])
	pub.port = be.Uint16(val[len(val)-2:])
	ok = true
	return
}

/* Restored binding claims */

type BindClaim struct {
	vni   uint32
	proto byte
	priv  IpPort
}

var restored = struct {
	sync.Mutex
	binds map[BindClaim]*Binding
}{binds: make(map[BindClaim]*Binding)}

// Claim a restored binding for a reappearing flow, nil if none.
func take_restored(vni uint32, proto byte, priv IpPort) *Binding {

	restored.Lock()
	defer restored.Unlock()

	claim := BindClaim{vni: vni, proto: proto, priv: priv}
	b, ok := restored.binds[claim]
	if !ok {
		return nil
	}
	delete(restored.binds, claim)
	return b
}

// Read bindings out of the restore DB, reattach them to their pools and
// re-save into the new DB. Must run after the first config load so the
// pool registry is populated.
func db_restore_bindings() {

	if rdb == nil {
		return
	}

	num := 0

	rdb.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bindbkt))
		if bkt == nil {
			return nil
		}
		log.info("db: restoring NAT bindings")
		bkt.ForEach(func(key, val []byte) error {

			vni, proto, priv, ok := parse_bind_key(key)
			if !ok {
				log.err("db: malformed binding key, discarding")
				return nil
			}
			kind, pub, ok := parse_bind_val(val)
			if !ok {
				log.err("db: malformed binding value, discarding")
				return nil
			}

			nat_pools.Lock()
			pool := nat_pools.pools[pool_key(vni, pool_kind_name(kind))]
			nat_pools.Unlock()
			if pool == nil {
				log.info("db: no %v pool for vni(%v), discarding binding %v", pool_kind_name(kind), vni, pub)
				return nil
			}

			b := &Binding{priv: priv, pub: pub, proto: proto}
			b.refs.Store(1)
			pool.adopt(b)

			restored.Lock()
			restored.binds[BindClaim{vni: vni, proto: proto, priv: priv}] = b
			restored.Unlock()

			dbchan <- DbReq{op: DB_SAVE, vni: vni, kind: kind, proto: proto, priv: priv, pub: pub}
			num++
			return nil
		})
		return nil
	})

	if num > 0 {
		log.info("db: restored %v binding(s)", num)
	}

	stop_db_restore()
}

func db_save_binding(vni uint32, b *Binding) {

	if b == nil || b.pool == nil {
		return // static bindings live in the config
	}
	select {
	case dbchan <- DbReq{op: DB_SAVE, vni: vni, kind: b.pool.kind, proto: b.proto, priv: b.priv, pub: b.pub}:
	default:
		log.err("db: save queue full, binding %v not persisted", b.pub)
	}
}

func db_del_binding(vni uint32, b *Binding) {

	if b == nil || b.pool == nil {
		return
	}
	select {
	case dbchan <- DbReq{op: DB_DEL, vni: vni, proto: b.proto, priv: b.priv}:
	default:
		log.err("db: save queue full, binding %v not removed", b.pub)
	}
}

func db_listen() {

	for req := range dbchan {

		var err error

		switch req.op {
		case DB_SAVE:
			err = db.Update(func(tx *bolt.Tx) error {
				bkt, err := tx.CreateBucketIfNotExists([]byte(bindbkt))
				if err != nil {
					return err
				}
				return bkt.Put(bind_key(req.vni, req.proto, req.priv), bind_val(req.kind, req.pub))
			})
		case DB_DEL:
			err = db.Update(func(tx *bolt.Tx) error {
				bkt := tx.Bucket([]byte(bindbkt))
				if bkt == nil {
					return nil
				}
				return bkt.Delete(bind_key(req.vni, req.proto, req.priv))
			})
		default:
			log.err("db: unrecognized request: %v", req.op)
		}

		if err != nil {
			log.err("db: update failed: %v", err)
		}
	}
}

func stop_db_restore() {

	if rdb != nil {
		log.info("closing restore DB: %v", dbname+"~")
		rdb.Close()
		rdb = nil
	}
	rdbpath := path.Join(cli.datadir, dbname+"~")
	os.Remove(rdbpath)
}

func stop_db() {

	if db != nil {
		log.info("closing DB: %v", dbname)
		db.Close()
		db = nil
	}
	stop_db_restore()
}

func start_db() {

	var err error

	dbpath := path.Join(cli.datadir, dbname)
	rdbpath := dbpath + "~"

	log.info("opening DB: %v", dbname)

	if err := os.Rename(dbpath, rdbpath); err != nil {
		if os.IsNotExist(err) {
			rdb = nil
		} else {
			log.fatal("cannot rename %v: %v", dbname, err)
		}
	} else {
		rdb, err = bolt.Open(rdbpath, 0666, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			log.fatal("cannot open %v: %v", dbname+"~", err)
		}
	}

	os.MkdirAll(cli.datadir, 0775)
	db, err = bolt.Open(dbpath, 0664, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.fatal("cannot create %v: %v", dbname, err)
	}

	go db_listen()
}
