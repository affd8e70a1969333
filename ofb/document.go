package ofb

import "fmt"

// ValidateCPF checks an 11-digit CPF, including its two check digits.
func ValidateCPF(cpf string) error {
	if len(cpf) != 11 || !allDigits(cpf) {
		return fmt.Errorf("malformed CPF %q", cpf)
	}
	if allSame(cpf) {
		return fmt.Errorf("malformed CPF %q", cpf)
	}
	for _, n := range []int{9, 10} {
		var sum int
		for i := 0; i < n; i++ {
			sum += int(cpf[i]-'0') * (n + 1 - i)
		}
		var check = (sum * 10) % 11 % 10
		if check != int(cpf[n]-'0') {
			return fmt.Errorf("CPF %q check digit mismatch", cpf)
		}
	}
	return nil
}

// ValidateCNPJ checks a 14-digit CNPJ, including its two check digits.
func ValidateCNPJ(cnpj string) error {
	if len(cnpj) != 14 || !allDigits(cnpj) {
		return fmt.Errorf("malformed CNPJ %q", cnpj)
	}
	if allSame(cnpj) {
		return fmt.Errorf("malformed CNPJ %q", cnpj)
	}
	var weights = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	for _, n := range []int{12, 13} {
		var sum int
		for i := 0; i < n; i++ {
			sum += int(cnpj[i]-'0') * weights[len(weights)-n+i]
		}
		var check = sum % 11
		if check < 2 {
			check = 0
		} else {
			check = 11 - check
		}
		if check != int(cnpj[n]-'0') {
			return fmt.Errorf("CNPJ %q check digit mismatch", cnpj)
		}
	}
	return nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
