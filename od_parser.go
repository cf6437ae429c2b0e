package canopen

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var (
	edsIndexRe    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	edsSubIndexRe = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)
)

// ParseEDS loads a CiA 301/306 EDS/DCF .ini file and builds an
// ObjectDictionary from it, resolving "$NODEID"-relative default values
// against nodeId. This is the configuration-loading front door: numeric OD
// parameters (SDO timeouts, heartbeat period, PDO mapping, COB-IDs) live in
// a host-editable text file rather than as Go literals.
func ParseEDS(path string, nodeId uint8) (*ObjectDictionary, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading EDS %s: %w", path, err)
	}
	od := NewObjectDictionary()

	for _, section := range file.Sections() {
		name := section.Name()

		if edsIndexRe.MatchString(name) {
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			entryName := section.Key("ParameterName").String()
			objType := uint64(7) // Var, CiA default
			if v, err := section.GetKey("ObjectType"); err == nil {
				objType, _ = strconv.ParseUint(v.Value(), 0, 8)
			}

			switch objType {
			case 7, 2: // VAR, DOMAIN both built from a single variable section
				variable, err := buildEDSVariable(section, entryName, nodeId)
				if err != nil {
					return nil, err
				}
				entry := &Entry{Index: index, Name: entryName, ObjectType: ObjectVar, Variables: []Variable{*variable}}
				if variable.DataType == DOMAIN {
					entry.ObjectType = ObjectDomain
				}
				if err := od.AddEntry(entry); err != nil {
					return nil, err
				}
			case 8: // ARRAY
				subNumber := uint64(0)
				if v, err := section.GetKey("SubNumber"); err == nil {
					subNumber, _ = strconv.ParseUint(v.Value(), 0, 8)
				}
				vars := make([]Variable, subNumber)
				entry := &Entry{Index: index, Name: entryName, ObjectType: ObjectArray, Variables: vars}
				if err := od.AddEntry(entry); err != nil {
					return nil, err
				}
			case 9: // RECORD
				entry := &Entry{Index: index, Name: entryName, ObjectType: ObjectRecord, Variables: []Variable{}}
				if err := od.AddEntry(entry); err != nil {
					return nil, err
				}
			default:
				log.Warnf("[EDS] index x%x: unsupported ObjectType %d, skipping", index, objType)
			}
			continue
		}

		if m := edsSubIndexRe.FindStringSubmatch(name); m != nil {
			idx, err := strconv.ParseUint(m[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sub, err := strconv.ParseUint(m[2], 16, 8)
			if err != nil {
				return nil, err
			}
			entry := od.Find(uint16(idx))
			if entry == nil {
				return nil, fmt.Errorf("[EDS] subindex section %s references unknown index x%x", name, idx)
			}
			variable, err := buildEDSVariable(section, section.Key("ParameterName").String(), nodeId)
			if err != nil {
				return nil, err
			}
			subIndex := int(sub)
			for len(entry.Variables) <= subIndex {
				entry.Variables = append(entry.Variables, Variable{})
			}
			entry.Variables[subIndex] = *variable
		}
	}

	for _, e := range od.Entries() {
		e.finalize()
	}
	return od, nil
}

func buildEDSVariable(section *ini.Section, name string, nodeId uint8) (*Variable, error) {
	v := &Variable{Name: name}

	accessType := "rw"
	if k, err := section.GetKey("AccessType"); err == nil {
		accessType = strings.ToLower(k.String())
	}
	pdoMapping := true
	if k, err := section.GetKey("PDOMapping"); err == nil {
		b, err := k.Bool()
		if err != nil {
			return nil, err
		}
		pdoMapping = b
	}

	dataType := uint64(UNSIGNED32)
	if k, err := section.GetKey("DataType"); err == nil {
		dt, err := strconv.ParseUint(k.Value(), 0, 8)
		if err != nil {
			return nil, fmt.Errorf("parsing DataType for %q: %w", name, err)
		}
		dataType = dt
	}
	v.DataType = uint8(dataType)
	v.Attribute = edsAttribute(accessType, pdoMapping, v.DataType)

	if k, err := section.GetKey("LowLimit"); err == nil {
		v.LowLimit, _ = k.Int()
	}
	if k, err := section.GetKey("HighLimit"); err == nil {
		v.HighLimit, _ = k.Int()
	}

	size := edsDataSize(v.DataType)
	if k, err := section.GetKey("DefaultValue"); err == nil {
		raw := k.Value()
		offset := uint8(0)
		if strings.Contains(raw, "$NODEID") {
			re := regexp.MustCompile(`\+?\$NODEID\+?`)
			raw = re.ReplaceAllString(raw, "")
			offset = nodeId
		}
		encoded, err := edsEncode(raw, v.DataType, offset, size)
		if err != nil {
			return nil, fmt.Errorf("parsing DefaultValue for %q: %w", name, err)
		}
		v.DefaultValue = encoded
		v.data = append([]byte(nil), encoded...)
	} else if v.DataType != DOMAIN {
		v.data = make([]byte, size)
	}

	return v, nil
}

func edsAttribute(accessType string, pdoMapping bool, dataType uint8) ODA {
	var attr ODA
	switch accessType {
	case "rw", "rww", "rwr":
		attr = ODA_SDO_RW
	case "ro", "const":
		attr = ODA_SDO_R
	case "wo":
		attr = ODA_SDO_W
	default:
		attr = ODA_SDO_RW
	}
	if pdoMapping {
		attr |= ODA_TRPDO
	}
	switch dataType {
	case UNSIGNED16, INTEGER16, UNSIGNED32, INTEGER32, REAL32, UNSIGNED64, INTEGER64, REAL64:
		attr |= ODA_MB
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		attr |= ODA_STR
	}
	return attr
}

func edsDataSize(dataType uint8) int {
	switch dataType {
	case BOOLEAN, INTEGER8, UNSIGNED8:
		return 1
	case INTEGER16, UNSIGNED16:
		return 2
	case INTEGER32, UNSIGNED32, REAL32:
		return 4
	case INTEGER64, UNSIGNED64, REAL64:
		return 8
	default:
		return 0
	}
}

// edsEncode parses an EDS default-value literal into wire bytes for
// dataType, padding to at least size bytes, adding offset (used for
// $NODEID-relative values).
func edsEncode(literal string, dataType uint8, offset uint8, size int) ([]byte, error) {
	if literal == "" {
		literal = "0"
	}
	switch dataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		n, err := strconv.ParseUint(literal, 0, 8)
		if err != nil {
			return nil, err
		}
		return []byte{byte(uint64(offset) + n)}, nil
	case UNSIGNED16, INTEGER16:
		n, err := strconv.ParseUint(literal, 0, 16)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(uint64(offset)+n))
		return b, nil
	case UNSIGNED32, INTEGER32:
		n, err := strconv.ParseUint(literal, 0, 32)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(uint64(offset)+n))
		return b, nil
	case REAL32:
		f, err := strconv.ParseFloat(literal, 32)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case UNSIGNED64, INTEGER64:
		n, err := strconv.ParseUint(literal, 0, 64)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(offset)+n)
		return b, nil
	case REAL64:
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return b, nil
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		b := []byte(literal)
		if len(b) < size {
			padded := make([]byte, size)
			copy(padded, b)
			return padded, nil
		}
		return b, nil
	case DOMAIN:
		return nil, nil
	default:
		return nil, ODR_TYPE_MISMATCH
	}
}
