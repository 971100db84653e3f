package fastboot

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/guiperry/fonecore/pkg/eventlog"
)

// Brand identifies which vendor parsing rules apply to a device.
type Brand int

const (
	BrandUnknown Brand = iota
	BrandHonor
	BrandHuawei
)

func (b Brand) String() string {
	switch b {
	case BrandHonor:
		return "honor"
	case BrandHuawei:
		return "huawei"
	default:
		return "unknown"
	}
}

// honorPrefixes and huaweiPrefixes are the brand-classification prefix
// sets from. Honor is checked first; the two are mutually
// exclusive.
var (
	honorPrefixes  = []string{"honor", "hra-", "any-", "dra-", "jat-", "lld-", "bkk-", "pct-", "stk-"}
	huaweiPrefixes = []string{"huawei", "hwa-", "vog-", "ele-", "mar-", "ana-", "nop-", "tas-", "was-"}
)

// ClassifyBrand compares the concatenated, lower-cased
// product_model+device_model+software_info against the Honor and Huawei
// prefix sets. A match against any Honor prefix wins even if a Huawei
// prefix also matches ('s "HRA- is Honor" property).
func ClassifyBrand(productModel, deviceModel, softwareInfo string) Brand {
	combined := strings.ToLower(productModel + deviceModel + softwareInfo)
	for _, p := range honorPrefixes {
		if strings.HasPrefix(combined, p) {
			return BrandHonor
		}
	}
	for _, p := range huaweiPrefixes {
		if strings.HasPrefix(combined, p) {
			return BrandHuawei
		}
	}
	return BrandUnknown
}

// VendorInfo collects the fields the Huawei/Honor adapter's fixed OEM
// and getvar fan-out is able to recover.
type VendorInfo struct {
	Brand            Brand
	PSID             string
	IMEI1            string
	IMEI2            string
	MEID             string
	ProductModel     string
	DeviceModel      string
	BuildNumber      string
	BootInfo         string
	SystemVersion    string
	VendorCountry    string
	RescuePhoneInfo  string
	RescueVersion    string
	SystemUpdateState string
	ParseErrors      []string
}

// oemQueries and getvarQueries are the fixed command sets the vendor
// adapter issues. Each entry names the VendorInfo field it
// populates.
var oemQueries = []string{
	"get-psid",
	"get-product-model",
	"get-build-number",
	"get-bootinfo",
	"oeminforead-SYSTEM_VERSION",
}

var getvarQueries = []string{
	"devicemodel",
	"vendorcountry",
	"rescue_phoneinfo",
	"rescue_version",
	"system_update_state",
}

type queryResult struct {
	query string
	value string
	err   error
}

// CollectVendorInfo runs the fixed OEM and getvar command sets
// concurrently (: "logically concurrent... each awaits its own
// reply before the next is issued on the wire"), then parses each reply
// and classifies the brand.
func CollectVendorInfo(ctx context.Context, c *Client, sink eventlog.Sink) (*VendorInfo, error) {
	results := make(chan queryResult, len(oemQueries)+len(getvarQueries))
	var wg sync.WaitGroup

	for _, q := range oemQueries {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			value, err := c.OEM(ctx, query)
			results <- queryResult{query: "oem:" + query, value: value, err: err}
		}(q)
	}
	for _, q := range getvarQueries {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			value, err := c.GetVar(ctx, query)
			results <- queryResult{query: "getvar:" + query, value: value, err: err}
		}(q)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	info := &VendorInfo{}
	raw := make(map[string]string)
	for r := range results {
		if r.err != nil {
			info.ParseErrors = append(info.ParseErrors, r.query+": "+r.err.Error())
			logVendorParseError(sink, r.query, r.err.Error())
			continue
		}
		raw[r.query] = r.value
	}

	if psidRaw, ok := raw["oem:get-psid"]; ok {
		imei1, imei2, meid, err := ParsePSID(psidRaw)
		if err != nil {
			info.ParseErrors = append(info.ParseErrors, "psid: "+err.Error())
			logVendorParseError(sink, "psid", err.Error())
		}
		info.PSID = psidRaw
		info.IMEI1 = imei1
		info.IMEI2 = imei2
		info.MEID = meid
	}
	if v, ok := raw["oem:get-product-model"]; ok {
		info.ProductModel = ParseBootloaderValue(v)
	}
	if v, ok := raw["oem:get-build-number"]; ok {
		info.BuildNumber = ParseBootloaderValue(v)
	}
	if v, ok := raw["oem:get-bootinfo"]; ok {
		info.BootInfo = ParseBootloaderValue(v)
	}
	if v, ok := raw["oem:oeminforead-SYSTEM_VERSION"]; ok {
		info.SystemVersion = ParseBootloaderValue(v)
	}
	if v, ok := raw["getvar:devicemodel"]; ok {
		info.DeviceModel = v
	}
	if v, ok := raw["getvar:vendorcountry"]; ok {
		info.VendorCountry = v
	}
	if v, ok := raw["getvar:rescue_phoneinfo"]; ok {
		info.RescuePhoneInfo = v
	}
	if v, ok := raw["getvar:rescue_version"]; ok {
		info.RescueVersion = v
	}
	if v, ok := raw["getvar:system_update_state"]; ok {
		info.SystemUpdateState = v
	}

	info.Brand = ClassifyBrand(info.ProductModel, info.DeviceModel, info.SystemVersion)
	return info, nil
}

var psidLineRe = regexp.MustCompile(`(?i)(IMEI1?|MEID):\s*([A-Za-z0-9]+)\s*`)

// ParsePSID implements the PSID line recogniser: split on
// "(bootloader)", extract IMEI:, IMEI1:, and MEID: values, trim trailing
// whitespace and CRLF, upper-case the result. IMEI: is the first SIM
// slot (imei1); IMEI1: is the second (imei2) — the tag numbering is
// 0-based relative to imei1 despite the IMEI1 tag's naming.
func ParsePSID(reply string) (imei1, imei2, meid string, err error) {
	lines := strings.Split(reply, "(bootloader)")
	for _, line := range lines {
		line = strings.TrimRight(strings.TrimSpace(line), "\r\n")
		m := psidLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToUpper(m[1])
		value := strings.ToUpper(strings.TrimSpace(m[2]))
		switch key {
		case "IMEI":
			imei1 = value
		case "IMEI1":
			imei2 = value
		case "MEID":
			meid = value
		}
	}
	return imei1, imei2, meid, nil
}

var dottedBootloaderRe = regexp.MustCompile(`\.\.\.\r?\n\(bootloader\)([^\r\n]*)`)

// ParseBootloaderValue recognises both the "dotted bootloader" and
// "colon bootloader" reply formats in one pass, preferring a single
// parser over a fork per variant. The dotted form
// takes the first run between "...\r\n(bootloader)" and the next CRLF;
// the colon form takes the first non-empty, non-okay/finished
// "(bootloader)"-prefixed line.
func ParseBootloaderValue(reply string) string {
	if m := dottedBootloaderRe.FindStringSubmatch(reply); m != nil {
		if v := strings.TrimSpace(m[1]); v != "" {
			return v
		}
	}

	for _, line := range strings.Split(reply, "\r\n") {
		if !strings.Contains(line, "(bootloader)") {
			continue
		}
		value := strings.Replace(line, "(bootloader) :", "", 1)
		value = strings.TrimSpace(strings.TrimPrefix(value, "(bootloader)"))
		lower := strings.ToLower(strings.TrimRight(value, "."))
		if value == "" || lower == "okay" || lower == "finished" {
			continue
		}
		return value
	}
	return ""
}

func logVendorParseError(sink eventlog.Sink, query, detail string) {
	eventlog.Warn(sink, eventlog.ComponentVendor, "vendor reply parse error", map[string]any{"query": query, "detail": detail})
}
