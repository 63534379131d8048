package wire

// PacketKind classifies a request packet's command byte into the closed set
// of MySQL text-protocol commands. Classification is for handler
// convenience only: the pipe never gates behavior on it, and an unknown
// command byte is not an error — callers of Kind simply get ok=false and
// the pipe still forwards the raw packet.
type PacketKind int

const (
	Sleep PacketKind = iota
	Quit
	InitDb
	Query
	FieldList
	CreateDb
	DropDb
	Refresh
	Shutdown
	Statistics
	ProcessInfo
	Connect
	ProcessKill
	Debug
	Ping
	Time
	DelayedInsert
	ChangeUser
	BinlogDump
	TableDump
	ConnectOut
	RegisterSlave
	StmtPrepare
	StmtExecute
	StmtSendLongData
	StmtClose
	StmtReset
	Daemon
	BinlogDumpGtid
	ResetConnection
)

var commandByteToKind = map[byte]PacketKind{
	0x00: Sleep,
	0x01: Quit,
	0x02: InitDb,
	0x03: Query,
	0x04: FieldList,
	0x05: CreateDb,
	0x06: DropDb,
	0x07: Refresh,
	0x08: Shutdown,
	0x09: Statistics,
	0x0a: ProcessInfo,
	0x0b: Connect,
	0x0c: ProcessKill,
	0x0d: Debug,
	0x0e: Ping,
	0x0f: Time,
	0x10: DelayedInsert,
	0x11: ChangeUser,
	0x12: BinlogDump,
	0x13: TableDump,
	0x14: ConnectOut,
	0x15: RegisterSlave,
	0x16: StmtPrepare,
	0x17: StmtExecute,
	0x18: StmtSendLongData,
	0x19: StmtClose,
	0x1a: StmtReset,
	0x1d: Daemon,
	0x1e: BinlogDumpGtid,
	0x1f: ResetConnection,
}

var kindNames = map[PacketKind]string{
	Sleep: "SLEEP", Quit: "QUIT", InitDb: "INIT_DB", Query: "QUERY",
	FieldList: "FIELD_LIST", CreateDb: "CREATE_DB", DropDb: "DROP_DB",
	Refresh: "REFRESH", Shutdown: "SHUTDOWN", Statistics: "STATISTICS",
	ProcessInfo: "PROCESS_INFO", Connect: "CONNECT", ProcessKill: "PROCESS_KILL",
	Debug: "DEBUG", Ping: "PING", Time: "TIME", DelayedInsert: "DELAYED_INSERT",
	ChangeUser: "CHANGE_USER", BinlogDump: "BINLOG_DUMP", TableDump: "TABLE_DUMP",
	ConnectOut: "CONNECT_OUT", RegisterSlave: "REGISTER_SLAVE",
	StmtPrepare: "STMT_PREPARE", StmtExecute: "STMT_EXECUTE",
	StmtSendLongData: "STMT_SEND_LONG_DATA", StmtClose: "STMT_CLOSE",
	StmtReset: "STMT_RESET", Daemon: "DAEMON", BinlogDumpGtid: "BINLOG_DUMP_GTID",
	ResetConnection: "RESET_CONNECTION",
}

// String implements fmt.Stringer.
func (k PacketKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Kind classifies p's command byte. ok is false for an empty payload or a
// command byte outside the closed set; the pipe forwards the packet either
// way, so callers that don't care about kind never need to check ok.
func (p Packet) Kind() (PacketKind, bool) {
	cmd, ok := p.CommandByte()
	if !ok {
		return 0, false
	}
	kind, known := commandByteToKind[cmd]
	return kind, known
}
