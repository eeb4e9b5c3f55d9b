package alert

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

const (
	DefaultPort          = 162
	DefaultBindingPrefix = "1.3.6.1.4.1.18016.2.1"

	// enterpriseSpecificTrap is the snmpTrapOID sent when trapOid is unset.
	enterpriseSpecificTrap = ".1.3.6.1.6.3.1.1.5.6"
	defaultEnterprise      = ".1.3.6.1.4.1.18016"

	sysUpTimeOID   = ".1.3.6.1.2.1.1.3.0"
	snmpTrapOIDOID = ".1.3.6.1.6.3.1.1.4.1.0"

	// rhqEnterpriseNumber prefixes generated engine IDs.
	rhqEnterpriseNumber = 18016
)

// ErrDisabled is returned by Send when no SNMP version is configured.
var ErrDisabled = errors.New("SNMP is not enabled")

// ErrInvalidConfig reports an unusable trap sender property.
var ErrInvalidConfig = errors.New("invalid SNMP configuration")

// TrapSender sends one SNMP trap per partition event.
type TrapSender struct {
	enabled bool

	host      string
	port      uint16
	transport string
	version   gosnmp.SnmpVersion
	timeout   time.Duration
	retries   int

	community     string
	trapOID       string
	prefix        string
	enterprise    string
	agentAddress  string
	genericTrap   int
	specificTrap  int
	msgFlags      gosnmp.SnmpV3MsgFlags
	security      *gosnmp.UsmSecurityParameters
	contextEngine string
	contextName   string

	boot   time.Time
	logger *zap.Logger
}

// NewTrapSender parses the trap sender properties. An empty snmpVersion
// yields a disabled sender. boot is the time sysUpTime counts from; the zero
// value means now.
func NewTrapSender(props map[string]string, boot time.Time, logger *zap.Logger) (*TrapSender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if boot.IsZero() {
		boot = time.Now()
	}
	s := &TrapSender{
		boot:         boot,
		logger:       logger.Named("snmp"),
		timeout:      time.Second,
		retries:      1,
		community:    "public",
		trapOID:      enterpriseSpecificTrap,
		prefix:       DefaultBindingPrefix,
		enterprise:   defaultEnterprise,
		agentAddress: "0.0.0.0",
		genericTrap:  6,
		transport:    "udp",
		port:         DefaultPort,
	}

	get := func(key string) string { return strings.TrimSpace(props[key]) }

	switch v := get("snmpVersion"); v {
	case "":
		return s, nil
	case "1":
		s.version = gosnmp.Version1
	case "2c":
		s.version = gosnmp.Version2c
	case "3":
		s.version = gosnmp.Version3
	default:
		return nil, fmt.Errorf("%w: SNMP version %s is not supported", ErrInvalidConfig, v)
	}

	s.host = get("host")
	if s.host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if p := get("port"); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: port %q: %v", ErrInvalidConfig, p, err)
		}
		if n != 0 {
			s.port = uint16(n)
		}
	}
	if t := strings.ToLower(get("transport")); t != "" {
		if t != "udp" && t != "tcp" {
			return nil, fmt.Errorf("%w: unknown transport %s", ErrInvalidConfig, t)
		}
		s.transport = t
	}

	if c := get("community"); c != "" {
		s.community = octets(c)
	}
	if oid := get("trapOid"); oid != "" {
		s.trapOID = dotted(oid)
	}
	if prefix := get("variableBindingPrefix"); prefix != "" {
		s.prefix = prefix
	}
	if oid := get("enterpriseOid"); oid != "" {
		s.enterprise = dotted(oid)
	}
	if addr := get("agentAddress"); addr != "" {
		s.agentAddress = addr
	}
	for key, dst := range map[string]*int{"genericId": &s.genericTrap, "specificId": &s.specificTrap} {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, v, err)
			}
			*dst = n
		}
	}
	s.prefix = strings.TrimSuffix(dotted(s.prefix), ".")

	if s.version == gosnmp.Version3 {
		if err := s.parseSecurity(get); err != nil {
			return nil, err
		}
	}

	s.enabled = true
	return s, nil
}

func (s *TrapSender) parseSecurity(get func(string) string) error {
	auth := gosnmp.MD5
	switch p := get("authProtocol"); p {
	case "", "MD5":
	case "SHA":
		auth = gosnmp.SHA
	case "none":
		auth = gosnmp.NoAuth
	default:
		return fmt.Errorf("%w: authentication protocol %s is not supported", ErrInvalidConfig, p)
	}

	priv := gosnmp.AES
	switch p := get("privacyProtocol"); p {
	case "", "AES", "AES128":
	case "DES":
		priv = gosnmp.DES
	case "AES192":
		priv = gosnmp.AES192
	case "AES256":
		priv = gosnmp.AES256
	default:
		return fmt.Errorf("%w: privacy protocol %s is not supported", ErrInvalidConfig, p)
	}

	authPass := octets(get("authPassphrase"))
	privPass := octets(get("privacyPassphrase"))

	s.msgFlags = gosnmp.NoAuthNoPriv
	s.security = &gosnmp.UsmSecurityParameters{
		UserName:                 octets(get("securityName")),
		AuthoritativeEngineID:    engineID(),
		AuthenticationProtocol:   gosnmp.NoAuth,
		PrivacyProtocol:          gosnmp.NoPriv,
		AuthoritativeEngineBoots: 1,
	}
	if authPass != "" && auth != gosnmp.NoAuth {
		s.msgFlags = gosnmp.AuthNoPriv
		s.security.AuthenticationProtocol = auth
		s.security.AuthenticationPassphrase = authPass
		if privPass != "" {
			s.msgFlags = gosnmp.AuthPriv
			s.security.PrivacyProtocol = priv
			s.security.PrivacyPassphrase = privPass
		}
	}
	s.contextEngine = octets(get("engineId"))
	s.contextName = octets(get("targetContext"))
	return nil
}

// engineID builds an RFC 3411 engine ID in the octets format from a random
// UUID.
func engineID() string {
	id := uuid.New()
	b := []byte{0x80, 0x00, byte(rhqEnterpriseNumber >> 8 & 0xff), byte(rhqEnterpriseNumber & 0xff), 0x05}
	return string(append(b, id[:]...))
}

// octets decodes values written as 0x-prefixed hex bytes, optionally
// colon separated. Anything else is taken literally.
func octets(s string) string {
	if !strings.HasPrefix(s, "0x") {
		return s
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(s[2:], ":", ""))
	if err != nil {
		return s
	}
	return string(raw)
}

func dotted(oid string) string {
	if strings.HasPrefix(oid, ".") {
		return oid
	}
	return "." + oid
}

// Enabled reports whether an SNMP version is configured.
func (s *TrapSender) Enabled() bool {
	return s.enabled
}

// Target returns host:port of the trap receiver.
func (s *TrapSender) Target() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Severity classifies an event for the trap's severity binding.
func Severity(t cluster.PartitionEventType) string {
	switch t {
	case cluster.ServerDown:
		return "high"
	case cluster.ServerDeletion, cluster.OperationModeChange:
		return "medium"
	default:
		return "low"
	}
}

// Trap builds the trap for an event without sending it.
func (s *TrapSender) Trap(e cluster.PartitionEvent) gosnmp.SnmpTrap {
	vars := []gosnmp.SnmpPDU{
		s.octetBinding(1, string(e.Type)),
		s.octetBinding(2, e.SubjectName),
		s.octetBinding(3, e.Detail),
		s.octetBinding(4, Severity(e.Type)),
		s.octetBinding(5, e.CreatedAt.UTC().Format(time.RFC3339)),
	}

	uptime := s.uptime()
	if s.version == gosnmp.Version1 {
		return gosnmp.SnmpTrap{
			Variables:    vars,
			Enterprise:   s.enterprise,
			AgentAddress: s.agentAddress,
			GenericTrap:  s.genericTrap,
			SpecificTrap: s.specificTrap,
			Timestamp:    uint(uptime),
		}
	}

	head := []gosnmp.SnmpPDU{
		{Name: sysUpTimeOID, Type: gosnmp.TimeTicks, Value: uptime},
		{Name: snmpTrapOIDOID, Type: gosnmp.ObjectIdentifier, Value: s.trapOID},
	}
	return gosnmp.SnmpTrap{Variables: append(head, vars...)}
}

func (s *TrapSender) octetBinding(n int, value string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{
		Name:  fmt.Sprintf("%s.%d", s.prefix, n),
		Type:  gosnmp.OctetString,
		Value: value,
	}
}

// uptime is hundredths of a second since boot.
func (s *TrapSender) uptime() uint32 {
	d := time.Since(s.boot)
	if d < 0 {
		return 0
	}
	return uint32(d / (10 * time.Millisecond))
}

func (s *TrapSender) session(ctx context.Context) *gosnmp.GoSNMP {
	g := &gosnmp.GoSNMP{
		Target:    s.host,
		Port:      s.port,
		Transport: s.transport,
		Community: s.community,
		Version:   s.version,
		Timeout:   s.timeout,
		Retries:   s.retries,
		Context:   ctx,
	}
	if s.version == gosnmp.Version3 {
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = s.msgFlags
		g.SecurityParameters = s.security.Copy()
		g.ContextEngineID = s.contextEngine
		g.ContextName = s.contextName
	}
	return g
}

// Send delivers the trap for e. Every call opens and closes its own
// session.
func (s *TrapSender) Send(ctx context.Context, e cluster.PartitionEvent) error {
	if !s.enabled {
		return ErrDisabled
	}
	g := s.session(ctx)
	if err := g.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.Target(), err)
	}
	defer g.Conn.Close()

	if _, err := g.SendTrap(s.Trap(e)); err != nil {
		return fmt.Errorf("send trap to %s: %w", s.Target(), err)
	}
	s.logger.Debug("trap sent",
		zap.String("target", s.Target()),
		zap.Int64("event_id", e.ID),
		zap.String("type", string(e.Type)))
	return nil
}
